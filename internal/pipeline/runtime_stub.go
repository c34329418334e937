//go:build !govips || !cgo

package pipeline

func Startup() error {
	return nil
}

func Shutdown() {}

func Backend() string {
	return "stdlib"
}

func newSharpener() (Filter, error) {
	return kernelSharpener{}, nil
}
