package handshake

import "github.com/google/uuid"

// ConnectionIDLen is the wire size of a ConnectionID.
const ConnectionIDLen = 16

// ConnectionID identifies a Session for the lifetime of its key material;
// it is folded into SessionKeys derivation (§3 SessionKeys) and used to
// tie-break which peer proposes a key rotation (§4.4).
type ConnectionID [ConnectionIDLen]byte

// NewConnectionID generates a random connection identifier. UUIDv4 gives a
// convenient, collision-resistant external representation for log
// correlation and metrics labels without adding a second CSPRNG path.
func NewConnectionID() (ConnectionID, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return ConnectionID{}, err
	}
	return ConnectionID(id), nil
}

// String renders the canonical UUID form.
func (c ConnectionID) String() string {
	return uuid.UUID(c).String()
}

// Less reports whether c sorts before other under an unsigned byte-wise
// comparison, the tie-break rule of §4.4's key rotation sub-protocol
// ("the endpoint with the lower-valued connection_id proposes").
func (c ConnectionID) Less(other ConnectionID) bool {
	for i := range c {
		if c[i] != other[i] {
			return c[i] < other[i]
		}
	}
	return false
}
