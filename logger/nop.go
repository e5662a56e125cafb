package logger

type nop struct{}

// Nop returns a Logger that discards everything
func Nop() Logger { return nop{} }

func (nop) Debug(string, ...any) {}
func (nop) Info(string, ...any)  {}
func (nop) Warn(string, ...any)  {}
func (nop) Error(string, ...any) {}
func (n nop) With(...any) Logger { return n }
func (nop) Level() Level         { return ErrorLevel + 1 }
func (nop) SetLevel(Level)       {}
