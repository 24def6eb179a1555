package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/netip"
	"strconv"
	"time"

	"github.com/pagpeter/redirector/pkg/types"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// RequestSink stores access records.
type RequestSink interface {
	SaveRequests(ctx context.Context, logs []types.RequestLog) error
	CountRequests(ctx context.Context) (int64, error)
	Close(ctx context.Context) error
}

type accessEntry struct {
	rec  types.RequestLog
	peer netip.AddrPort
}

// AccessLog moves records from the reactor to a RequestSink on its own
// goroutine. Offer never blocks: when the queue is full the record is lost.
type AccessLog struct {
	srv        *Server
	sink       RequestSink
	queue      chan accessEntry
	batchSize  int
	flushEvery time.Duration
}

func NewAccessLog(srv *Server, sink RequestSink, queueSize int) *AccessLog {
	if queueSize <= 0 {
		queueSize = 4096
	}
	return &AccessLog{
		srv:        srv,
		sink:       sink,
		queue:      make(chan accessEntry, queueSize),
		batchSize:  256,
		flushEvery: time.Second,
	}
}

// Offer queues rec for storage and reports whether it was accepted.
func (l *AccessLog) Offer(rec types.RequestLog, peer netip.AddrPort) bool {
	select {
	case l.queue <- accessEntry{rec: rec, peer: peer}:
		return true
	default:
		return false
	}
}

// Run stores queued records in batches until ctx is cancelled, then flushes
// what is left and closes the sink.
func (l *AccessLog) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.flushEvery)
	defer ticker.Stop()

	batch := make([]types.RequestLog, 0, l.batchSize)
	save := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := l.sink.SaveRequests(ctx, batch); err != nil {
			log.Println("Error saving requests:", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case e := <-l.queue:
			batch = append(batch, l.enrich(e))
			if len(batch) >= l.batchSize {
				save(ctx)
			}
		case <-ticker.C:
			save(ctx)
		case <-ctx.Done():
		drain:
			for {
				select {
				case e := <-l.queue:
					batch = append(batch, l.enrich(e))
				default:
					break drain
				}
			}
			fctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			save(fctx)
			return l.sink.Close(fctx)
		}
	}
}

func (l *AccessLog) enrich(e accessEntry) types.RequestLog {
	rec := e.rec
	if !e.peer.IsValid() {
		return rec
	}
	ip := e.peer.Addr().String()
	if fp, ok := l.srv.LookupTCPFingerprint(ip, int(e.peer.Port())); ok {
		rec.TCPIP = &fp
		l.srv.GetTCPFingerprints().Delete(net.JoinHostPort(ip, strconv.Itoa(int(e.peer.Port()))))
	}
	if l.srv.GetConfig().LogIPs {
		rec.IP = ip
	}
	return rec
}

// MongoSink stores access records in a MongoDB collection.
type MongoSink struct {
	client     *mongo.Client
	collection *mongo.Collection
}

func NewMongoSink(ctx context.Context, uri, db, collection string) (*MongoSink, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("mongo ping: %w", err)
	}

	coll := client.Database(db).Collection(collection)
	_, err = coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "time", Value: 1}},
	})
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("mongo index: %w", err)
	}
	return &MongoSink{client: client, collection: coll}, nil
}

func (s *MongoSink) SaveRequests(ctx context.Context, logs []types.RequestLog) error {
	docs := make([]interface{}, len(logs))
	for i := range logs {
		docs[i] = logs[i]
	}
	_, err := s.collection.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	return err
}

func (s *MongoSink) CountRequests(ctx context.Context) (int64, error) {
	return s.collection.CountDocuments(ctx, bson.M{})
}

func (s *MongoSink) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
