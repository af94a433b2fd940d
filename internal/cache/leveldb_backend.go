package cache

import (
	"bytes"
	"errors"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Layout:
//
//	g:<gen>             generation registry, empty value
//	e:<gen>\x00<key>    serialized entry
const (
	genPrefix   = "g:"
	entryPrefix = "e:"
)

// LevelDBBackend implements Backend on top of a LevelDB database
type LevelDBBackend struct {
	db *leveldb.DB
}

func NewLevelDB(path string) (*LevelDBBackend, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &LevelDBBackend{db: db}, nil
}

func genKey(gen string) []byte {
	return []byte(genPrefix + gen)
}

func entryGenPrefix(gen string) []byte {
	return []byte(entryPrefix + gen + "\x00")
}

func entryKey(gen, key string) []byte {
	return append(entryGenPrefix(gen), key...)
}

func (l *LevelDBBackend) Get(gen, key string) ([]byte, error) {
	b, err := l.db.Get(entryKey(gen, key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (l *LevelDBBackend) Set(gen, key string, value []byte) error {
	batch := new(leveldb.Batch)
	batch.Put(genKey(gen), nil)
	batch.Put(entryKey(gen, key), value)
	return l.db.Write(batch, nil)
}

func (l *LevelDBBackend) Delete(gen, key string) error {
	return l.db.Delete(entryKey(gen, key), nil)
}

func (l *LevelDBBackend) Keys(gen string) ([]string, error) {
	prefix := entryGenPrefix(gen)
	it := l.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	var keys []string
	for it.Next() {
		keys = append(keys, string(bytes.TrimPrefix(it.Key(), prefix)))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return keys, nil
}

func (l *LevelDBBackend) CreateGeneration(gen string) error {
	return l.db.Put(genKey(gen), nil, nil)
}

func (l *LevelDBBackend) DeleteGeneration(gen string) error {
	it := l.db.NewIterator(util.BytesPrefix(entryGenPrefix(gen)), nil)
	defer it.Release()

	batch := new(leveldb.Batch)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	if err := it.Error(); err != nil {
		return err
	}
	batch.Delete(genKey(gen))
	return l.db.Write(batch, nil)
}

func (l *LevelDBBackend) Generations() ([]string, error) {
	it := l.db.NewIterator(util.BytesPrefix([]byte(genPrefix)), nil)
	defer it.Release()

	var names []string
	for it.Next() {
		names = append(names, string(bytes.TrimPrefix(it.Key(), []byte(genPrefix))))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return names, nil
}

func (l *LevelDBBackend) Close() error {
	return l.db.Close()
}
