package coord

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"

	"github.com/cp-cp/Computer-Graphics/master/pool"
	"github.com/cp-cp/Computer-Graphics/shared/comms"
	"github.com/cp-cp/Computer-Graphics/shared/frame"
	"github.com/cp-cp/Computer-Graphics/shared/state"
	"github.com/cp-cp/Computer-Graphics/worker/shared/tracer"
)

const width, height = 24, 18

// network joins in-memory listeners by name.
type network struct {
	mu        sync.Mutex
	listeners map[string]*bufconn.Listener
}

func newNetwork() *network {
	return &network{listeners: map[string]*bufconn.Listener{}}
}

func (n *network) listen(name string) *bufconn.Listener {
	n.mu.Lock()
	defer n.mu.Unlock()
	listener := bufconn.Listen(1 << 20)
	n.listeners[name] = listener
	return listener
}

func (n *network) dialer() grpc.DialOption {
	return grpc.WithContextDialer(func(ctx context.Context, name string) (net.Conn, error) {
		n.mu.Lock()
		listener, ok := n.listeners[name]
		n.mu.Unlock()
		if !ok {
			return nil, errors.Errorf("nothing listening at %s", name)
		}
		return listener.DialContext(ctx)
	})
}

func workerName(port uint32) string {
	return fmt.Sprintf("worker-%d", port)
}

// cluster is a master with its registration service, plus a way to start workers.
type cluster struct {
	t   *testing.T
	net *network
	sys *System
}

func newCluster(t *testing.T, opts tracer.Options) *cluster {
	n := newNetwork()
	workers := pool.NewPool(4, n.dialer())
	t.Cleanup(workers.Destroy)
	sys := NewSystem(state.DefaultRoom(), workers)

	registrar := NewRegistrar(sys, width, height, opts.Settings())
	registrar.WorkerAddress = func(from net.Addr, port uint32) (string, error) {
		return "passthrough:///" + workerName(port), nil
	}
	server := grpc.NewServer()
	go registrar.Serve(server, n.listen("master"))
	t.Cleanup(server.Stop)

	return &cluster{t: t, net: n, sys: sys}
}

// serveWorker serves srv on the network under port's name.
func (c *cluster) serveWorker(port uint32, srv comms.TraceServer) {
	server := grpc.NewServer()
	comms.RegisterTraceServer(server, srv)
	go server.Serve(c.net.listen(workerName(port)))
	c.t.Cleanup(server.Stop)
}

// register registers a worker on port the way a distributed worker does.
func (c *cluster) register(port uint32) *comms.MasterState {
	conn, err := comms.Dial("passthrough:///master", c.net.dialer())
	require.NoError(c.t, err)
	defer conn.Close()
	reply, err := comms.NewRegistrationClient(conn).Register(context.Background(), &comms.WorkerLink{Port: port})
	require.NoError(c.t, err)
	return reply
}

// startWorker registers a real tracing worker on port.
func (c *cluster) startWorker(port uint32) {
	// Serve before registering so the pool's first heartbeat finds the worker.
	srv := &lateServer{ready: make(chan struct{})}
	c.serveWorker(port, srv)
	reply := c.register(port)

	s, err := tracer.ServerFromState(reply, 2)
	require.NoError(c.t, err)
	srv.set(s)
}

// lateServer forwards to a trace server that only exists once registration completes.
type lateServer struct {
	once  sync.Once
	ready chan struct{}
	srv   *tracer.Server
}

func (l *lateServer) set(s *tracer.Server) {
	l.once.Do(func() {
		l.srv = s
		close(l.ready)
	})
}

func (l *lateServer) BulkTrace(ctx context.Context, req *comms.WorkOrder) (*comms.TraceResults, error) {
	<-l.ready
	return l.srv.BulkTrace(ctx, req)
}

func (l *lateServer) Heartbeat(ctx context.Context, req *emptypb.Empty) (*emptypb.Empty, error) {
	return &emptypb.Empty{}, nil
}

// brokenWorker fails every order.
type brokenWorker struct {
	mu     sync.Mutex
	orders int
}

func (b *brokenWorker) BulkTrace(ctx context.Context, req *comms.WorkOrder) (*comms.TraceResults, error) {
	b.mu.Lock()
	b.orders++
	b.mu.Unlock()
	return nil, status.Error(codes.Internal, "out of paint")
}

func (b *brokenWorker) Heartbeat(ctx context.Context, req *emptypb.Empty) (*emptypb.Empty, error) {
	return &emptypb.Empty{}, nil
}

func localFrame(t *testing.T, env *state.Environment, opts tracer.Options) []byte {
	fb := frame.New(width, height)
	require.NoError(t, tracer.Render(context.Background(), env, fb, opts))
	return comms.PackPixels(fb.Pix)
}

func testOptions() tracer.Options {
	opts := tracer.DefaultOptions()
	opts.MaxDepth = 3
	return opts
}

func TestRegistration(t *testing.T) {
	c := newCluster(t, testOptions())
	c.serveWorker(7001, &brokenWorker{})

	reply := c.register(7001)
	assert.Equal(t, uint32(width), reply.GetScreenWidth())
	assert.Equal(t, uint32(height), reply.GetScreenHeight())
	assert.Equal(t, uint32(3), reply.Settings.MaxDepth)
	assert.Equal(t, []string{"passthrough:///worker-7001"}, c.sys.Workers.Addresses())

	scene, err := comms.DecodeEnvironment(reply.GetState())
	require.NoError(t, err)
	assert.Equal(t, c.sys.Scene().Primitives(), scene.Primitives())

	// Registering twice keeps one pool entry.
	c.register(7001)
	assert.Equal(t, 1, c.sys.Workers.Size())

	conn, err := comms.Dial("passthrough:///master", c.net.dialer())
	require.NoError(t, err)
	defer conn.Close()
	_, err = comms.NewRegistrationClient(conn).Register(context.Background(), &comms.WorkerLink{Port: 0})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestWorkerAddress(t *testing.T) {
	addr, err := workerAddress(&net.TCPAddr{IP: net.IPv4(10, 0, 0, 7), Port: 40000}, 5001)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.7:5001", addr)

	addr, err = workerAddress(&net.TCPAddr{IP: net.ParseIP("::1"), Port: 40000}, 5001)
	require.NoError(t, err)
	assert.Equal(t, "[::1]:5001", addr)
}

func TestRenderFrameMatchesLocalRender(t *testing.T) {
	opts := testOptions()
	c := newCluster(t, opts)
	c.startWorker(7001)
	c.startWorker(7002)
	require.Equal(t, 2, c.sys.Workers.Size())

	coordinator := NewCoordinator(c.sys, width, height)

	// Move the camera and the model, as the master does between frames.
	pose := c.sys.Scene().Object().PoseAt(0.5)
	m := c.sys.Update(func(m *state.EnvMutables) {
		m.Cam.Yaw(0.2)
		m.Pose = pose
	})
	fb, err := coordinator.RenderFrame(context.Background(), 1, m)
	require.NoError(t, err)

	assert.Equal(t, localFrame(t, c.sys.Scene(), opts), comms.PackPixels(fb.Pix))
}

func TestRenderFrameRetriesOtherWorkers(t *testing.T) {
	opts := testOptions()
	c := newCluster(t, opts)
	broken := &brokenWorker{}
	c.serveWorker(7001, broken)
	c.register(7001)
	c.startWorker(7002)

	coordinator := NewCoordinator(c.sys, width, height)
	fb, err := coordinator.RenderFrame(context.Background(), 2, c.sys.Scene().Mutables())
	require.NoError(t, err)
	assert.Equal(t, localFrame(t, c.sys.Scene(), opts), comms.PackPixels(fb.Pix))

	broken.mu.Lock()
	defer broken.mu.Unlock()
	assert.Positive(t, broken.orders)
}

func TestRenderFrameGivesUp(t *testing.T) {
	c := newCluster(t, testOptions())
	broken := &brokenWorker{}
	c.serveWorker(7001, broken)
	c.register(7001)

	coordinator := NewCoordinator(c.sys, width, height)
	coordinator.TraceTimeout = time.Second
	_, err := coordinator.RenderFrame(context.Background(), 3, c.sys.Scene().Mutables())
	require.Error(t, err)
	assert.Equal(t, codes.Internal, status.Code(errors.Cause(err)))
}

func TestRenderFrameWithoutWorkers(t *testing.T) {
	c := newCluster(t, testOptions())
	_, err := NewCoordinator(c.sys, width, height).RenderFrame(context.Background(), 0, c.sys.Scene().Mutables())
	assert.True(t, errors.Is(err, pool.ErrNoWorkers))
}

func TestSystemUpdate(t *testing.T) {
	sys := NewSystem(state.DefaultRoom(), pool.NewPool(0))
	before := sys.Scene()

	m := sys.Update(func(m *state.EnvMutables) {
		m.Cam.Move(1, true, false, false, false, false, false)
	})
	assert.Equal(t, m, sys.Scene().Mutables())
	assert.NotEqual(t, before.Mutables(), m)

	// Earlier scenes are left as they were.
	assert.NotEqual(t, before.Cam, sys.Scene().Cam)
}
