package eventstream

import "context"

// Publisher publishes memory events to an event stream backend.
type Publisher interface {
	PublishFragment(ctx context.Context, event *FragmentPersistedEvent) error
	PublishReport(ctx context.Context, event *ConsolidationReportEvent) error
	Close() error
}
