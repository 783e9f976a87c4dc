package health

// Checker reports whether a component is healthy. A nil error means healthy.
type Checker interface {
	Check() error
}

// FuncChecker adapts a function to the Checker interface.
type FuncChecker func() error

func (f FuncChecker) Check() error {
	return f()
}
