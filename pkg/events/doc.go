/*
Package events provides runtime event distribution for Skyfill.

The broker fans events out to subscribers over buffered channels and keeps a
bounded ring of recent events for the API. Publishing never blocks on a slow
subscriber: a full subscriber buffer drops that delivery rather than stalling
the runtime.

Event types cover the job lifecycle (submitted, completed, failed,
cancelled), task activity (leased, succeeded, failed, reclaimed), phase
promotion, and aggregation boundaries.

JobLogSink subscribes to the broker and appends every event carrying a
job_id to that job's log file, one JSON line per event. These files back the
GET /v1/jobs/{id}/logs endpoint.

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)
	for event := range sub {
	    fmt.Println(event.Type, event.Message)
	}
*/
package events
