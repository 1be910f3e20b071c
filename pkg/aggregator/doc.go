/*
Package aggregator provides hierarchical merge of batch outputs.

When a job's worker phase settles, one aggregator task merges the visible
batch outputs into a single final artifact. Merging is hierarchical: outputs
are combined fan-in at a time per round until one remains, so memory stays
bounded however many batches a job has.

# Merge Semantics

	Round 0:  [b0 b1 b2 b3 b4 b5 b6 b7 b8 b9]   fan-in 10 → 1 group
	Round 0:  [b0 b1] [b2 b3] [b4 b5]           fan-in 2  → 3 groups
	Round 1:  [g0 g1] [g2]                                → 2 groups
	Round 2:  [g0 g1]                                     → final

Inputs are ordered by batch index, and ordering is preserved through every
round, so the final artifact reads as if batches were concatenated in order.

Only outputs with a valid done marker participate. A markerless output is a
dead attempt's leftovers and is skipped; if nothing is visible the merge
fails rather than producing an empty result. Before merging, each input is
re-verified against its marker (record count and checksum), and for NDJSON
output formats every line must parse as JSON.

The final artifact is sealed with its own done marker, so job completion has
the same crash discipline as task outputs.
*/
package aggregator
