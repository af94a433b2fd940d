// Handles durable storage of cached HTTP responses, grouped in generations
package cache

// Backend stores raw values grouped by generation.
// Implementations must be safe for concurrent use, a Set replaces the whole
// value atomically and concurrent Sets on one key are last-write-wins.
type Backend interface {
	// returns nil, nil when the key (or its generation) does not exist
	Get(gen, key string) ([]byte, error)
	// stores the value, creating the generation if needed
	Set(gen, key string, value []byte) error
	// removes a single key, no-op when absent
	Delete(gen, key string) error
	// lists the keys stored in a generation
	Keys(gen string) ([]string, error)
	// creates an empty generation, no-op when it exists
	CreateGeneration(gen string) error
	// removes a generation and all its entries, no-op when absent
	DeleteGeneration(gen string) error
	// lists existing generation names
	Generations() ([]string, error)
	// releases underlying resources
	Close() error
}
