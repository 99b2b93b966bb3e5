package physmem

import (
	"github.com/orizon-lang/memflow/internal/memerr"
	"github.com/orizon-lang/memflow/internal/memtype"
)

func gapError(a memtype.Address) error {
	return memerr.New(memerr.PhysicalMemoryMapGap, "guest address %v not covered by any range", a)
}
