package localfs

import (
	"xdao.co/glyph/storage"
	"xdao.co/glyph/storage/casregistry"
)

func init() {
	casregistry.MustRegister(casregistry.Backend{
		Name:        "localfs",
		Description: "filesystem record store (localfs:<dir> or a plain path)",
		Open: func(dir string) (storage.CAS, func() error, error) {
			cas, err := New(dir)
			if err != nil {
				return nil, nil, err
			}
			return cas, nil, nil
		},
	})
}
