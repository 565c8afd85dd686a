package integration

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rocketbitz/kmesh-go/kmsg"
)

// startMesh brings up an n-node mesh on loopback and tears it down with
// the test.
func startMesh(t *testing.T, n, basePort int) []*kmsg.Node {
	t.Helper()
	addrs := make([]kmsg.NodeAddr, n)
	for i := range addrs {
		addrs[i] = kmsg.NodeAddr{Host: "127.0.0.1", Port: basePort + i}
	}

	nodes := make([]*kmsg.Node, n)
	var g errgroup.Group
	for id := 0; id < n; id++ {
		id := id
		g.Go(func() error {
			node, err := kmsg.Start(kmsg.Config{NodeID: id, Nodes: addrs})
			if err != nil {
				return fmt.Errorf("node %d: %w", id, err)
			}
			nodes[id] = node
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("mesh start failed: %v", err)
	}
	t.Cleanup(func() {
		for _, node := range nodes {
			if node != nil {
				_ = node.Shutdown()
			}
		}
	})
	return nodes
}

func TestSmallMessageDelivery(t *testing.T) {
	nodes := startMesh(t, 2, 36110)

	const typPing = kmsg.MessageType(7)
	type seen struct {
		from    int
		size    uint32
		payload []byte
	}
	got := make(chan seen, 1)
	nodes[1].RegisterHandler(typPing, func(m *kmsg.Message) {
		got <- seen{from: m.From(), size: m.Size, payload: append([]byte(nil), m.Payload()...)}
	})
	nodes[0].RegisterHandler(typPing, func(m *kmsg.Message) {})

	if err := nodes[0].Send(1, typPing, []byte("ping")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case s := <-got:
		if s.from != 0 {
			t.Fatalf("handler saw origin %d, want 0", s.from)
		}
		if s.size != kmsg.HeaderSize+4 {
			t.Fatalf("handler saw size %d, want %d", s.size, kmsg.HeaderSize+4)
		}
		if !bytes.Equal(s.payload, []byte{0x70, 0x69, 0x6e, 0x67}) {
			t.Fatalf("handler saw payload %x", s.payload)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("message never delivered")
	}

	// The receive item returns to the posted pool once the handler is done.
	deadline := time.Now().Add(5 * time.Second)
	for {
		posted, held, err := nodes[1].ReceiveCounts(0)
		if err != nil {
			t.Fatalf("ReceiveCounts failed: %v", err)
		}
		if posted+held != kmsg.MaxRecvWR {
			t.Fatalf("posted %d + held %d != %d", posted, held, kmsg.MaxRecvWR)
		}
		if held == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("receive item not recycled: posted %d held %d", posted, held)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSendToSelfRejected(t *testing.T) {
	nodes := startMesh(t, 2, 36120)
	if err := nodes[0].Send(0, kmsg.TypeUserBase, []byte("x")); !errors.Is(err, kmsg.ErrInvalidPeer) {
		t.Fatalf("self send returned %v, want ErrInvalidPeer", err)
	}
}

func TestAcknowledgedFetch(t *testing.T) {
	nodes := startMesh(t, 2, 36130)

	const typPage = kmsg.MessageType(9)
	source := bytes.Repeat([]byte{0xab}, 8192)
	nodes[1].RegisterHandler(typPage, func(m *kmsg.Message) {
		if err := nodes[1].BulkServe(m, source); err != nil {
			t.Errorf("BulkServe failed: %v", err)
		}
	})
	nodes[0].RegisterHandler(typPage, func(m *kmsg.Message) {})

	got, err := nodes[0].BulkGet(1, typPage, nil, 8192, kmsg.BulkAck)
	if err != nil {
		t.Fatalf("BulkGet failed: %v", err)
	}
	if len(got) != 8192 || !bytes.Equal(got, source) {
		t.Fatalf("fetched %d bytes, first %x", len(got), got[:4])
	}

	if bound, _ := nodes[0].BoundSlots(1, kmsg.PoolBulk); bound != 0 {
		t.Fatalf("%d bulk slots still bound after the transfer", bound)
	}
}

func TestPolledFetchInline(t *testing.T) {
	nodes := startMesh(t, 2, 36140)

	const typPage = kmsg.MessageType(9)
	source := make([]byte, 1024)
	for i := range source {
		source[i] = byte(i)
	}
	nodes[1].RegisterHandler(typPage, func(m *kmsg.Message) {
		if err := nodes[1].BulkServe(m, source); err != nil {
			t.Errorf("BulkServe failed: %v", err)
		}
	})
	nodes[0].RegisterHandler(typPage, func(m *kmsg.Message) {})

	got, err := nodes[0].BulkGet(1, typPage, nil, 1024, kmsg.BulkPollInline)
	if err != nil {
		t.Fatalf("BulkGet failed: %v", err)
	}
	if len(got) != 1024 || !bytes.Equal(got, source) {
		t.Fatalf("polled fetch delivered %d bytes", len(got))
	}
	// The buffer is self-describing: the tail data flag sits right behind
	// the payload.
	if cap(got) < len(got)+1 {
		t.Fatalf("payload does not alias the staged buffer")
	}
	if tail := got[:len(got)+1][len(got)]; tail != 0x01 {
		t.Fatalf("tail sentinel byte %#x, want 0x01", tail)
	}

	if bound, _ := nodes[0].BoundSlots(1, kmsg.PoolBulk); bound != 0 {
		t.Fatalf("%d bulk slots still bound after the transfer", bound)
	}
}

func TestPolledFetchNotify(t *testing.T) {
	nodes := startMesh(t, 2, 36150)

	const typPage = kmsg.MessageType(9)
	source := bytes.Repeat([]byte{0x3c}, 4096)
	nodes[1].RegisterHandler(typPage, func(m *kmsg.Message) {
		if err := nodes[1].BulkServe(m, source); err != nil {
			t.Errorf("BulkServe failed: %v", err)
		}
	})
	nodes[0].RegisterHandler(typPage, func(m *kmsg.Message) {})

	got, err := nodes[0].BulkGet(1, typPage, nil, 4096, kmsg.BulkPollNotify)
	if err != nil {
		t.Fatalf("BulkGet failed: %v", err)
	}
	if !bytes.Equal(got, source) {
		t.Fatalf("notify fetch delivered wrong bytes")
	}
}

func TestBulkPut(t *testing.T) {
	nodes := startMesh(t, 2, 36160)

	const typFlush = kmsg.MessageType(11)
	collected := make(chan []byte, 1)
	nodes[1].RegisterHandler(typFlush, func(m *kmsg.Message) {
		buf, err := nodes[1].BulkCollect(m)
		if err != nil {
			t.Errorf("BulkCollect failed: %v", err)
			return
		}
		collected <- buf
	})
	nodes[0].RegisterHandler(typFlush, func(m *kmsg.Message) {})

	src := bytes.Repeat([]byte{0x77}, 2048)
	if err := nodes[0].BulkPut(1, typFlush, nil, src); err != nil {
		t.Fatalf("BulkPut failed: %v", err)
	}
	select {
	case buf := <-collected:
		if !bytes.Equal(buf, src) {
			t.Fatalf("collected bytes differ")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("put never collected")
	}
}

func TestRegionPoolExhaustion(t *testing.T) {
	nodes := startMesh(t, 2, 36170)

	const typPage = kmsg.MessageType(9)
	source := bytes.Repeat([]byte{0x11}, 256)
	nodes[1].RegisterHandler(typPage, func(m *kmsg.Message) {
		if err := nodes[1].BulkServe(m, source); err != nil {
			t.Errorf("BulkServe failed: %v", err)
		}
	})
	nodes[0].RegisterHandler(typPage, func(m *kmsg.Message) {})

	stop := make(chan struct{})
	var maxBound int
	var sampleMu sync.Mutex
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			bound, _ := nodes[0].BoundSlots(1, kmsg.PoolBulk)
			sampleMu.Lock()
			if bound > maxBound {
				maxBound = bound
			}
			sampleMu.Unlock()
			time.Sleep(100 * time.Microsecond)
		}
	}()

	const initiators = 128
	var g errgroup.Group
	for i := 0; i < initiators; i++ {
		g.Go(func() error {
			got, err := nodes[0].BulkGet(1, typPage, nil, 256, kmsg.BulkAck)
			if err != nil {
				return err
			}
			if !bytes.Equal(got, source) {
				return fmt.Errorf("wrong payload")
			}
			return nil
		})
	}
	err := g.Wait()
	close(stop)
	if err != nil {
		t.Fatalf("concurrent fetches failed: %v", err)
	}

	sampleMu.Lock()
	defer sampleMu.Unlock()
	if maxBound > kmsg.MRPoolSize {
		t.Fatalf("bitmap held %d set bits, pool size is %d", maxBound, kmsg.MRPoolSize)
	}
	if bound, _ := nodes[0].BoundSlots(1, kmsg.PoolBulk); bound != 0 {
		t.Fatalf("%d slots still bound after all transfers", bound)
	}
}

func TestConnectionLossMidOperation(t *testing.T) {
	nodes := startMesh(t, 3, 36180)

	const typStuck = kmsg.MessageType(21)
	// Node 1 never serves: the requests stay outstanding until the
	// connection is torn down.
	nodes[1].RegisterHandler(typStuck, func(m *kmsg.Message) {
		<-make(chan struct{})
	})
	nodes[0].RegisterHandler(typStuck, func(m *kmsg.Message) {})
	nodes[2].RegisterHandler(typStuck, func(m *kmsg.Message) {})

	const outstanding = 4
	errs := make(chan error, outstanding)
	for i := 0; i < outstanding; i++ {
		go func() {
			_, err := nodes[0].BulkGet(1, typStuck, nil, 128, kmsg.BulkAck)
			errs <- err
		}()
	}
	// Give the requests time to reach node 1.
	time.Sleep(200 * time.Millisecond)

	if err := nodes[1].Shutdown(); err != nil && !errors.Is(err, kmsg.ErrShutdown) {
		t.Fatalf("shutdown failed: %v", err)
	}

	for i := 0; i < outstanding; i++ {
		select {
		case err := <-errs:
			if err == nil {
				t.Fatalf("outstanding operation completed after connection loss")
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("outstanding operation never failed")
		}
	}

	if err := nodes[0].Send(1, kmsg.TypeUserBase, []byte("x")); !errors.Is(err, kmsg.ErrPeerUnreachable) {
		t.Fatalf("send to lost peer returned %v, want ErrPeerUnreachable", err)
	}

	// Other peers are unaffected.
	delivered := make(chan struct{}, 1)
	nodes[2].RegisterHandler(kmsg.MessageType(22), func(m *kmsg.Message) {
		delivered <- struct{}{}
	})
	nodes[0].RegisterHandler(kmsg.MessageType(22), func(m *kmsg.Message) {})
	if err := nodes[0].Send(2, kmsg.MessageType(22), []byte("still here")); err != nil {
		t.Fatalf("send to healthy peer failed: %v", err)
	}
	select {
	case <-delivered:
	case <-time.After(5 * time.Second):
		t.Fatalf("healthy peer never got the message")
	}
}

func TestThreeNodeMeshAllPairs(t *testing.T) {
	nodes := startMesh(t, 3, 36190)

	const typHello = kmsg.MessageType(30)
	var mu sync.Mutex
	seen := make(map[[2]int]bool)
	var wg sync.WaitGroup
	wg.Add(6)
	for _, node := range nodes {
		node := node
		node.RegisterHandler(typHello, func(m *kmsg.Message) {
			mu.Lock()
			seen[[2]int{m.From(), node.ID()}] = true
			mu.Unlock()
			wg.Done()
		})
	}

	for src := 0; src < 3; src++ {
		for dst := 0; dst < 3; dst++ {
			if src == dst {
				continue
			}
			if err := nodes[src].Send(dst, typHello, []byte("hello")); err != nil {
				t.Fatalf("send %d->%d failed: %v", src, dst, err)
			}
		}
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatalf("only %d of 6 pairs delivered", len(seen))
	}
}
