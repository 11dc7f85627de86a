package tracking

// MultiSink fans every record out to several sinks in order.
type MultiSink []Sink

func (m MultiSink) Log(rec Record) {
	for _, s := range m {
		s.Log(rec)
	}
}

func (m MultiSink) Close(status RunStatus) {
	for _, s := range m {
		s.Close(status)
	}
}

// Discard is a sink that drops everything.
type Discard struct{}

func (Discard) Log(Record) {}

func (Discard) Close(RunStatus) {}
