package exception

import "github.com/yanun0323/errors"

var (
	ErrInstrumentUnknown  = errors.New("catalog: unknown instrument")
	ErrCatalogUnavailable = errors.New("catalog: no fresh download and no usable cache")
	ErrCatalogRow         = errors.New("catalog: malformed row")
)
