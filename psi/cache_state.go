package psi

// CacheState marks how far a cipher cache has progressed. It only moves
// forward.
type CacheState uint8

const (
	Evaluating CacheState = iota
	IntersectionProgressing
	Intersectioned
	Finalizing
	Finalized
	Syncing
	Synced
	StoreProgressing
	Stored
)

var cacheStateNames = [...]string{
	"Evaluating",
	"IntersectionProgressing",
	"Intersectioned",
	"Finalizing",
	"Finalized",
	"Syncing",
	"Synced",
	"StoreProgressing",
	"Stored",
}

func (s CacheState) String() string {
	if int(s) < len(cacheStateNames) {
		return cacheStateNames[s]
	}
	return "Unknown"
}
