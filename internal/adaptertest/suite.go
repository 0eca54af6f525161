// Package adaptertest holds the conformance suites every backend runs and
// wrappers that inject failures into a backend for coordinator tests.
package adaptertest

import (
	"context"
	"sync"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/denismitr/twinstore"
)

const waitFor = 2 * time.Second

// BackendSuite checks the read/write/merge/remove contract. Open is called
// before every test and must return an empty backend.
type BackendSuite struct {
	suite.Suite
	Open func() twinstore.Backend

	b twinstore.Backend
}

func (bs *BackendSuite) SetupTest() {
	bs.b = bs.Open()
}

func (bs *BackendSuite) TearDownTest() {
	_ = bs.b.Close()
}

func (bs *BackendSuite) Backend() twinstore.Backend {
	return bs.b
}

func (bs *BackendSuite) Test_Read_Missing() {
	_, err := bs.b.Read(context.Background(), "users/nobody")
	bs.Require().Error(err)
	bs.True(twinstore.IsNotFound(err), "expected not found, got %v", err)
}

func (bs *BackendSuite) Test_WriteAndRead() {
	ctx := context.Background()
	v := twinstore.M{
		"email": "a@x.com",
		"name":  "A",
		"age":   float64(31),
		"admin": true,
		"profile": twinstore.M{
			"city": "Tbilisi",
		},
	}

	bs.Require().NoError(bs.b.Write(ctx, "users/u1", v))

	got, err := bs.b.Read(ctx, "users/u1")
	bs.Require().NoError(err)
	bs.Equal(v, got)
}

func (bs *BackendSuite) Test_Write_ReplacesDocument() {
	ctx := context.Background()
	bs.Require().NoError(bs.b.Write(ctx, "users/u1", twinstore.M{"email": "a@x.com", "name": "A"}))
	bs.Require().NoError(bs.b.Write(ctx, "users/u1", twinstore.M{"email": "b@x.com"}))

	got, err := bs.b.Read(ctx, "users/u1")
	bs.Require().NoError(err)
	bs.Equal(twinstore.M{"email": "b@x.com"}, got)
}

func (bs *BackendSuite) Test_Merge_KeepsOtherFields() {
	ctx := context.Background()
	bs.Require().NoError(bs.b.Write(ctx, "users/u1", twinstore.M{"email": "a@x.com", "name": "A"}))
	bs.Require().NoError(bs.b.Merge(ctx, "users/u1", twinstore.M{"lastActiveTime": "2024-01-02T03:04:05Z"}))

	got, err := bs.b.Read(ctx, "users/u1")
	bs.Require().NoError(err)
	bs.Equal(twinstore.M{
		"email":          "a@x.com",
		"name":           "A",
		"lastActiveTime": "2024-01-02T03:04:05Z",
	}, got)
}

func (bs *BackendSuite) Test_Merge_CreatesMissingDocument() {
	ctx := context.Background()
	bs.Require().NoError(bs.b.Merge(ctx, "users/u2", twinstore.M{"name": "B"}))

	got, err := bs.b.Read(ctx, "users/u2")
	bs.Require().NoError(err)
	bs.Equal(twinstore.M{"name": "B"}, got)
}

func (bs *BackendSuite) Test_Remove() {
	ctx := context.Background()
	bs.Require().NoError(bs.b.Write(ctx, "content_data/1", twinstore.M{"title": "Intro"}))
	bs.Require().NoError(bs.b.Remove(ctx, "content_data/1"))

	_, err := bs.b.Read(ctx, "content_data/1")
	bs.True(twinstore.IsNotFound(err), "expected not found, got %v", err)
}

func (bs *BackendSuite) Test_Remove_Missing() {
	bs.NoError(bs.b.Remove(context.Background(), "content_data/404"))
}

func (bs *BackendSuite) Test_Write_NestedDocumentPath() {
	ctx := context.Background()
	p := twinstore.Path("test_results/u1/quiz_1700000000000")
	v := twinstore.M{"testId": "quiz", "score": float64(7)}

	bs.Require().NoError(bs.b.Write(ctx, p, v))

	got, err := bs.b.Read(ctx, p)
	bs.Require().NoError(err)
	bs.Equal(v, got)
}

// FastSuite adds the live-watch contract.
type FastSuite struct {
	BackendSuite
	OpenFast func() twinstore.FastBackend

	fast twinstore.FastBackend
}

func (fs *FastSuite) SetupTest() {
	fs.fast = fs.OpenFast()
	fs.b = fs.fast
}

type recorder struct {
	mu        sync.Mutex
	snapshots []twinstore.Snapshot
	errs      []error
	changed   chan struct{}
}

func newRecorder() *recorder {
	return &recorder{changed: make(chan struct{}, 64)}
}

func (r *recorder) onChange(s twinstore.Snapshot) {
	r.mu.Lock()
	r.snapshots = append(r.snapshots, s)
	r.mu.Unlock()
	r.changed <- struct{}{}
}

func (r *recorder) onError(err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
	r.changed <- struct{}{}
}

func (r *recorder) last() (twinstore.Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.snapshots) == 0 {
		return twinstore.Snapshot{}, false
	}
	return r.snapshots[len(r.snapshots)-1], true
}

func (fs *FastSuite) waitUntil(r *recorder, cond func(s twinstore.Snapshot) bool) twinstore.Snapshot {
	deadline := time.After(waitFor)
	for {
		if s, ok := r.last(); ok && cond(s) {
			return s
		}

		select {
		case <-r.changed:
		case <-deadline:
			s, _ := r.last()
			fs.FailNow("timed out waiting for snapshot", "last: %+v", s)
			return s
		}
	}
}

func (fs *FastSuite) watch(p twinstore.Path) (*recorder, twinstore.Listener) {
	r := newRecorder()
	l, err := fs.fast.Watch(context.Background(), p, r.onChange, r.onError)
	fs.Require().NoError(err)
	return r, l
}

func (fs *FastSuite) Test_Watch_DeliversInitialValue() {
	ctx := context.Background()
	fs.Require().NoError(fs.fast.Write(ctx, "config/system_settings", twinstore.M{"theme": "dark"}))

	r, l := fs.watch("config/system_settings")
	defer l.Close()

	s := fs.waitUntil(r, func(s twinstore.Snapshot) bool { return s.Exists })
	fs.Equal(twinstore.M{"theme": "dark"}, s.Value)
}

func (fs *FastSuite) Test_Watch_AbsentPath() {
	r, l := fs.watch("users/ghost")
	defer l.Close()

	s := fs.waitUntil(r, func(twinstore.Snapshot) bool { return true })
	fs.False(s.Exists)
}

func (fs *FastSuite) Test_Watch_SeesWritesBelowPath() {
	ctx := context.Background()
	r, l := fs.watch("content_data")
	defer l.Close()

	fs.waitUntil(r, func(twinstore.Snapshot) bool { return true })

	fs.Require().NoError(fs.fast.Merge(ctx, "content_data", twinstore.M{
		"1": twinstore.M{"title": "Intro"},
		"2": twinstore.M{"title": "Basics"},
	}))

	s := fs.waitUntil(r, func(s twinstore.Snapshot) bool { return len(s.Value) == 2 })
	fs.Equal(twinstore.M{
		"1": twinstore.M{"title": "Intro"},
		"2": twinstore.M{"title": "Basics"},
	}, s.Value)

	fs.Require().NoError(fs.fast.Write(ctx, "content_data/2", twinstore.M{"title": "Advanced"}))

	s = fs.waitUntil(r, func(s twinstore.Snapshot) bool {
		c, ok := s.Value.Child("2")
		return ok && c.String("title") == "Advanced"
	})
	fs.Len(s.Value, 2)
}

func (fs *FastSuite) Test_Watch_SeesWritesAbovePath() {
	ctx := context.Background()
	fs.Require().NoError(fs.fast.Write(ctx, "content_data/1", twinstore.M{"title": "Intro"}))

	r, l := fs.watch("content_data/1")
	defer l.Close()
	fs.waitUntil(r, func(s twinstore.Snapshot) bool { return s.Exists })

	fs.Require().NoError(fs.fast.Merge(ctx, "content_data", twinstore.M{
		"1": twinstore.M{"title": "Intro v2"},
	}))

	s := fs.waitUntil(r, func(s twinstore.Snapshot) bool { return s.Value.String("title") == "Intro v2" })
	fs.True(s.Exists)

	fs.Require().NoError(fs.fast.Remove(ctx, "content_data"))
	fs.waitUntil(r, func(s twinstore.Snapshot) bool { return !s.Exists })
}

func (fs *FastSuite) Test_Watch_StopsAfterClose() {
	ctx := context.Background()
	r, l := fs.watch("users/u1")
	fs.waitUntil(r, func(twinstore.Snapshot) bool { return true })

	fs.Require().NoError(l.Close())
	fs.NoError(l.Close())

	fs.Require().NoError(fs.fast.Write(ctx, "users/u1", twinstore.M{"name": "late"}))
	time.Sleep(50 * time.Millisecond)

	s, _ := r.last()
	fs.False(s.Exists)
}

func (fs *FastSuite) Test_Merge_CollectionReplacesNamedChildrenOnly() {
	ctx := context.Background()
	fs.Require().NoError(fs.fast.Write(ctx, "content_data/1", twinstore.M{"title": "Intro", "draft": true}))
	fs.Require().NoError(fs.fast.Write(ctx, "content_data/3", twinstore.M{"title": "Outro"}))

	fs.Require().NoError(fs.fast.Merge(ctx, "content_data", twinstore.M{
		"1": twinstore.M{"title": "Intro v2"},
		"2": twinstore.M{"title": "Basics"},
	}))

	one, err := fs.fast.Read(ctx, "content_data/1")
	fs.Require().NoError(err)
	fs.Equal(twinstore.M{"title": "Intro v2"}, one)

	three, err := fs.fast.Read(ctx, "content_data/3")
	fs.Require().NoError(err)
	fs.Equal(twinstore.M{"title": "Outro"}, three)
}

// DurableSuite adds the query contract.
type DurableSuite struct {
	BackendSuite
	OpenDurable func() twinstore.DurableBackend

	durable twinstore.DurableBackend
}

func (ds *DurableSuite) SetupTest() {
	ds.durable = ds.OpenDurable()
	ds.b = ds.durable
}

func (ds *DurableSuite) seedUsers() {
	ctx := context.Background()
	ds.Require().NoError(ds.durable.Write(ctx, "users/u1", twinstore.M{"email": "a@x.com", "name": "A", "age": float64(30)}))
	ds.Require().NoError(ds.durable.Write(ctx, "users/u2", twinstore.M{"email": "b@x.com", "name": "B", "age": float64(41)}))
	ds.Require().NoError(ds.durable.Write(ctx, "config/system_settings", twinstore.M{"email": "a@x.com"}))
}

func (ds *DurableSuite) Test_FindOne_ByString() {
	ds.seedUsers()

	p, doc, err := ds.durable.FindOne(context.Background(), "users", "email", "b@x.com")
	ds.Require().NoError(err)
	ds.Equal(twinstore.Path("users/u2"), p)
	ds.Equal("B", doc.String("name"))
}

func (ds *DurableSuite) Test_FindOne_ByNumber() {
	ds.seedUsers()

	p, _, err := ds.durable.FindOne(context.Background(), "users", "age", 30)
	ds.Require().NoError(err)
	ds.Equal(twinstore.Path("users/u1"), p)
}

func (ds *DurableSuite) Test_FindOne_NoMatch() {
	ds.seedUsers()

	_, _, err := ds.durable.FindOne(context.Background(), "users", "email", "c@x.com")
	ds.True(twinstore.IsNotFound(err), "expected not found, got %v", err)
}

func (ds *DurableSuite) Test_FindOne_StaysInCollection() {
	ds.seedUsers()

	p, _, err := ds.durable.FindOne(context.Background(), "config", "email", "a@x.com")
	ds.Require().NoError(err)
	ds.Equal(twinstore.Path("config/system_settings"), p)
}

func (ds *DurableSuite) Test_List() {
	ds.seedUsers()

	docs, err := ds.durable.List(context.Background(), "users")
	ds.Require().NoError(err)
	ds.Len(docs, 2)
	ds.Equal("a@x.com", docs["u1"].String("email"))
	ds.Equal("b@x.com", docs["u2"].String("email"))
}

func (ds *DurableSuite) Test_List_Empty() {
	docs, err := ds.durable.List(context.Background(), "content_data")
	ds.Require().NoError(err)
	ds.Empty(docs)
}

func (ds *DurableSuite) Test_List_SkipsNestedCollections() {
	ctx := context.Background()
	ds.seedUsers()
	ds.Require().NoError(ds.durable.Write(ctx, "test_results/u1/quiz_1", twinstore.M{"testId": "quiz"}))

	docs, err := ds.durable.List(ctx, "test_results/u1")
	ds.Require().NoError(err)
	ds.Len(docs, 1)
	ds.Equal("quiz", docs["quiz_1"].String("testId"))
}
