/*
Package artifact provides filesystem artifact storage with done markers.

Task outputs, staged batch inputs, aggregation levels, and final job results
all live under one root directory addressed by relative refs. Outputs follow
a marker discipline: an artifact exists only once its sidecar done marker is
written, and the marker is always written after the artifact bytes. A crash
between the two leaves a markerless file that every reader treats as absent.

# Layout

	<root>/jobs/<job>/inputs/<batch>.txt               staged batch input
	<root>/jobs/<job>/outputs/<task>.ndjson            task output + .done
	<root>/jobs/<job>/aggregation/<level>/<k>.ndjson   merge rounds + .done
	<root>/jobs/<job>/aggregation/final.ndjson         final result + .done

# Marker Discipline

	┌──────────────────────────────────────────────────────────┐
	│  Create(ref)  → temp write, stale marker removed first   │
	│  WriteRecord  → bytes + newline, count + checksum accrue │
	│  Finish(task) → fsync bytes, THEN write .done marker     │
	│  Abort()      → remove bytes, no marker ever existed     │
	└──────────────────────────────────────────────────────────┘

The marker records the producing task, record count, byte size, and a sha256
checksum. Verify recomputes the checksum and compares counts, so a truncated
or tampered artifact is detected rather than silently merged.

Inputs are different: they are staged before any task references them and
carry no marker.

# Usage

	w, err := artifacts.Create(artifact.TaskOutputRef(jobID, taskID, "ndjson"))
	for _, rec := range records {
	    if err := w.WriteRecord(rec); err != nil {
	        w.Abort()
	        return err
	    }
	}
	marker, err := w.Finish(taskID)
*/
package artifact
