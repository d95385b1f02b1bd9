package indicator

// Noop implements Indicator with no hardware attached.
type Noop struct{}

func (*Noop) Closed()        {}
func (*Noop) Open()          {}
func (*Noop) Moving()        {}
func (*Noop) Unknown()       {}
func (*Noop) Toggle()        {}
func (*Noop) Shutdown()      {}
func (*Noop) Release() error { return nil }
