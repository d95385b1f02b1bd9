package hwio

// NoopPort satisfies Port without touching hardware. Inputs read low and
// never deliver events; output writes are discarded.
type NoopPort struct{}

func (*NoopPort) RequestInput(offset int, edge Edge, h EventHandler) (InputLine, error) {
	return noopLine{}, nil
}

func (*NoopPort) RequestOutput(offset int, initialHigh bool) (OutputLine, error) {
	return noopLine{}, nil
}

func (*NoopPort) Close() error { return nil }

type noopLine struct{}

func (noopLine) Read() (bool, error) { return false, nil }
func (noopLine) Set(high bool) error { return nil }
func (noopLine) Close() error        { return nil }
