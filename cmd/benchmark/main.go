package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/iidesho/bragi/sbragi"

	"github.com/iidesho/cedar"
	"github.com/iidesho/cedar/stream"
	"github.com/iidesho/cedar/stream/store"
	"github.com/iidesho/cedar/stream/store/badgerdb"
	"github.com/iidesho/cedar/stream/store/inmemory"
	"github.com/iidesho/cedar/stream/store/ondisk"
	"github.com/iidesho/cedar/stream/subscription"
)

var (
	backend     string
	dir         string
	size        int
	messageSize int
	batch       int
	writers     int
)

func init() {
	const (
		defaultBackend          = "ondisk"
		backendUsage            = "store backend, inmemory, badger or ondisk"
		defaultNumberOfMessages = 100000
		numberOfMessagesUsage   = "sets the number of messages to create and write"
		defaultMessageSize      = 1000
		messageSizeUsage        = "message size in Bytes"
	)
	flag.StringVar(&backend, "backend", defaultBackend, backendUsage)
	flag.StringVar(&backend, "b", defaultBackend, backendUsage+" (shorthand)")
	flag.StringVar(&dir, "dir", "", "data directory, a temporary directory when empty")
	flag.IntVar(&size, "num", defaultNumberOfMessages, numberOfMessagesUsage)
	flag.IntVar(&size, "n", defaultNumberOfMessages, numberOfMessagesUsage+" (shorthand)")
	flag.IntVar(&messageSize, "size", defaultMessageSize, messageSizeUsage)
	flag.IntVar(&messageSize, "s", defaultMessageSize, messageSizeUsage+" (shorthand)")
	flag.IntVar(&batch, "batch", 10, "messages per append")
	flag.IntVar(&writers, "writers", 4, "concurrent writers, each on its own stream")
}

func open() (store.Backend, error) {
	if backend == "inmemory" {
		return inmemory.New()
	}
	if dir == "" {
		var err error
		dir, err = os.MkdirTemp("", "cedar-benchmark-")
		if err != nil {
			return nil, err
		}
		defer log.Info("using temporary data directory", "dir", dir)
	}
	if backend == "badger" {
		return badgerdb.Open(dir)
	}
	return ondisk.Open(dir)
}

func report(what string, n int, start time.Time) {
	dur := time.Since(start)
	mps := float64(n) / dur.Seconds()
	log.Info(
		what,
		"number of messages", n,
		"duration", dur,
		"message size (B)", messageSize,
		"messages / second", mps,
		"MB/s", mps*float64(messageSize)/1000000,
	)
}

func main() {
	flag.Parse()
	if size < 1 || batch < 1 || writers < 1 {
		log.Fatal("num, batch and writers must be positive", "num", size, "batch", batch, "writers", writers)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b, err := open()
	if err != nil {
		log.WithError(err).Fatal("while opening store", "backend", backend)
	}
	s := cedar.New(b)
	defer s.Close()

	var delivered atomic.Int64
	all := make(chan struct{})
	_, err = s.SubscribeToAll(ctx, subscription.FromEnd(),
		func(_ context.Context, _ *subscription.Subscription, _ stream.Message) error {
			if delivered.Add(1) == int64(size) {
				close(all)
			}
			return nil
		},
		subscription.WithPageSize(500),
	)
	if err != nil {
		log.WithError(err).Fatal("while subscribing")
	}

	data := make([]byte, messageSize)
	for i := range data {
		data[i] = 'x'
	}
	start := time.Now()
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		n := size / writers
		if w == 0 {
			n += size % writers
		}
		wg.Add(1)
		go func(id stream.ID, n int) {
			defer wg.Done()
			for written := 0; written < n; {
				msgs := make([]stream.NewMessage, 0, batch)
				for i := 0; i < batch && written+i < n; i++ {
					m, err := stream.NewBuilder().WithType("benchmarked").WithData(data).Build()
					if err != nil {
						log.WithError(err).Fatal("while building message")
					}
					msgs = append(msgs, m)
				}
				_, err := s.Append(ctx, id, stream.Any, msgs...)
				if err != nil {
					log.WithError(err).Fatal("while appending", "stream", id)
				}
				written += len(msgs)
			}
		}(stream.ID(fmt.Sprintf("benchmark-%d", w)), n)
	}
	wg.Wait()
	report("Finished writing messages", size, start)
	<-all
	report("Finished delivering messages", size, start)
}
