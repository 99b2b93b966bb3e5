package pdb

import "github.com/orizon-lang/memflow/internal/memerr"

func newFieldNotFoundError(structName, fieldName string) error {
	return memerr.New(memerr.PdbFieldNotFound, "PDB has no field %s.%s", structName, fieldName)
}
