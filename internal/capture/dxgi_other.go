//go:build !windows

package capture

import "fmt"

func newDXGISource(SourceOptions) (Source, error) {
	return nil, fmt.Errorf("dxgi capture is only available on windows")
}
