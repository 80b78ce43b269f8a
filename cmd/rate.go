package cmd

import (
	"github.com/docker/go-units"

	limerr "github.com/errorcode7/egress-limiter/errors"
)

// parseSize parses a rate or bucket size flag value: a decimal integer
// with an optional k/K (1024) or m/M (1024^2) suffix. Zero or
// unparseable values are rejected.
func parseSize(s string) (uint64, error) {
	n, err := units.RAMInBytes(s)
	if err != nil {
		return 0, limerr.WrapWithDetail(err, limerr.KindRuleMalformed, "parse size", "value "+s+" is not a valid size")
	}
	if n <= 0 {
		return 0, limerr.New(limerr.KindRuleMalformed, "parse size", "value "+s+" must be greater than zero")
	}
	return uint64(n), nil
}
