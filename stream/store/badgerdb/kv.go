package badgerdb

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger"
	"github.com/iidesho/cedar/stream/store/record"
)

type kv struct {
	txn *badger.Txn
}

func (k kv) Get(key []byte) ([]byte, error) {
	item, err := k.txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, record.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

func (k kv) Set(key, value []byte) error {
	return k.txn.Set(key, value)
}

func (k kv) Delete(key []byte) error {
	return k.txn.Delete(key)
}

// badgerLogger routes badger's own logging into sbragi, info is demoted to debug.
type badgerLogger struct{}

func (badgerLogger) Errorf(msg string, args ...interface{}) {
	log.Error(fmt.Sprintf(msg, args...))
}

func (badgerLogger) Warningf(msg string, args ...interface{}) {
	log.Warning(fmt.Sprintf(msg, args...))
}

func (badgerLogger) Infof(msg string, args ...interface{}) {
	log.Debug(fmt.Sprintf(msg, args...))
}

func (badgerLogger) Debugf(msg string, args ...interface{}) {
	log.Trace(fmt.Sprintf(msg, args...))
}
