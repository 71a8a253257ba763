package coord

import (
	"context"
	"log"
	"net"
	"strconv"

	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/cp-cp/Computer-Graphics/shared/comms"
)

// Registrar implements the comms.RegistrationServer interface.
type Registrar struct {
	sys                       *System
	screenWidth, screenHeight int
	settings                  comms.TraceSettings

	// WorkerAddress derives the address a worker takes orders on from the address it registered from.
	// It defaults to the registering host with the advertised port.
	WorkerAddress func(from net.Addr, port uint32) (string, error)
}

// NewRegistrar creates a registrar handing out frames of the given size, traced with settings.
func NewRegistrar(sys *System, screenWidth, screenHeight int, settings comms.TraceSettings) *Registrar {
	return &Registrar{
		sys:           sys,
		screenWidth:   screenWidth,
		screenHeight:  screenHeight,
		settings:      settings,
		WorkerAddress: workerAddress,
	}
}

// workerAddress joins the host of from with port.
func workerAddress(from net.Addr, port uint32) (string, error) {
	host, _, err := net.SplitHostPort(from.String())
	if err != nil {
		return "", errors.Wrapf(err, "derive worker host from %s", from)
	}
	return net.JoinHostPort(host, strconv.FormatUint(uint64(port), 10)), nil
}

// Register registers a worker with the master.
func (r *Registrar) Register(ctx context.Context, req *comms.WorkerLink) (*comms.MasterState, error) {
	if req.GetPort() == 0 || req.GetPort() > 65535 {
		return nil, status.Errorf(codes.InvalidArgument, "invalid worker port %d", req.GetPort())
	}

	// Get the worker's sending address.
	worker, exists := peer.FromContext(ctx)
	if !exists {
		return nil, status.Error(codes.InvalidArgument, "could not derive worker's address")
	}

	// Compute the worker's receiving address.
	addr, err := r.WorkerAddress(worker.Addr, req.GetPort())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	// Encode the scene state.
	sceneData, err := comms.EncodeEnvironment(r.sys.Scene())
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}

	// Add the worker to the pool.
	if err = r.sys.Workers.Add(addr); err != nil {
		return nil, status.Error(codes.Unavailable, err.Error())
	}
	log.Printf("Registered worker %s.\n", addr)

	// Build up the response.
	return &comms.MasterState{
		State:        sceneData,
		ScreenWidth:  uint32(r.screenWidth),
		ScreenHeight: uint32(r.screenHeight),
		Settings:     r.settings,
	}, nil
}

// Serve serves registrations on listener until server stops.
func (r *Registrar) Serve(server *grpc.Server, listener net.Listener) error {
	comms.RegisterRegistrationServer(server, r)
	return server.Serve(listener)
}
