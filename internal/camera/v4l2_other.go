//go:build !linux || !(amd64 || arm64)

package camera

func openController(string) (controller, error) {
	return nil, ErrUnsupported
}
