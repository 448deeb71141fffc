package notify

import "github.com/whisperforge/wf-engine/internal/pipeline"

// Fanout forwards each event to every configured sink.
type Fanout []pipeline.Notifier

// Publish implements pipeline.Notifier.
func (f Fanout) Publish(ev pipeline.Event) {
	for _, n := range f {
		n.Publish(ev)
	}
}
