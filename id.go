package autopay

import "github.com/xraph/autopay/id"

// ID is the primary identifier type for all autopay entities.
type ID = id.ID

// Prefix identifies the entity type encoded in a TypeID.
type Prefix = id.Prefix
