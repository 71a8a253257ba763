package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math"
	"net"
	"path/filepath"
	"runtime"
	"time"

	"github.com/pkg/errors"
	"github.com/unixpickle/essentials"
	"github.com/veandco/go-sdl2/sdl"
	"google.golang.org/grpc"

	"github.com/cp-cp/Computer-Graphics/master/coord"
	"github.com/cp-cp/Computer-Graphics/master/pool"
	"github.com/cp-cp/Computer-Graphics/shared/frame"
	"github.com/cp-cp/Computer-Graphics/shared/input"
	"github.com/cp-cp/Computer-Graphics/shared/screen"
	"github.com/cp-cp/Computer-Graphics/shared/state"
	"github.com/cp-cp/Computer-Graphics/worker/shared/tracer"
)

// These constants control how far the camera and the model travel per frame.
const (
	moveStep  = 0.1
	orbitStep = 0.05 // Radians.
	modelStep = 0.1
	turnStep  = 0.05 // Radians.
	growStep  = 0.01
)

// maxFramesInFlight bounds how many frames may be traced at once before new ones are skipped.
const maxFramesInFlight = 4

// SDL must only be driven from the main thread.
func init() {
	runtime.LockOSThread()
}

// loadScene reads the scene at path, or builds the default room if path is empty.
func loadScene(path string) *state.Environment {
	if path == "" {
		return state.DefaultRoom()
	}
	env, err := state.EnvironmentFromFile(path)
	if err != nil {
		log.Fatalf("Could not read in environment \"%s\": %v.\n", path, err)
	}
	return env
}

// traceFrame has the workers trace frame n and, once the previous frame is handed over, sends it to shown.
func traceFrame(coordinator *coord.Coordinator, n uint64, m state.EnvMutables, in <-chan struct{}, out chan<- struct{}, shown chan<- *frame.Framebuffer, done func()) {
	defer done()
	fb, err := coordinator.RenderFrame(context.Background(), n, m)

	<-in
	defer func() {
		out <- struct{}{}
	}()
	if err != nil {
		if errors.Is(err, pool.ErrNoWorkers) {
			// If there are no workers available, skip the frame.
			log.Printf("No workers in pool, frame %d skipped.\n", n)
		} else {
			log.Printf("Frame %d failed: %v.\n", n, err)
		}
		return
	}
	shown <- fb
}

// newest returns the last frame waiting in shown, or nil if there is none.
func newest(shown <-chan *frame.Framebuffer) *frame.Framebuffer {
	var fb *frame.Framebuffer
	for {
		select {
		case next := <-shown:
			fb = next
		default:
			return fb
		}
	}
}

// runWindowed shows frames in a window, steering the camera with the keyboard and mouse.
func runWindowed(sys *coord.System, coordinator *coord.Coordinator, width, height int) {
	window, surface, err := screen.StartScreen("Distributed Ray-Tracer", width, height)
	if err != nil {
		log.Fatalf("Could not start screen: %v.\n", err)
	}
	defer screen.StopScreen(window)

	animator := state.NewAnimator(sys.Scene().Object())
	focus := sys.Scene().Focus()
	home := sys.Scene().Mutables().Cam
	aspect := float64(height) / float64(width)
	dt := 1.0 / float64(screen.FPS)

	// Get the initial coordinator channel ready.
	coordinatorIn := make(chan struct{}, 1)
	coordinatorIn <- struct{}{}
	inFlight := make(chan struct{}, maxFramesInFlight)
	shown := make(chan *frame.Framebuffer, maxFramesInFlight)

	var controls input.Controls
	numWorkers := -1
	for n, running := uint64(0), true; running; {
		start := sdl.GetTicks()

		// Collect new inputs.
		screen.PollInputs(&controls, width, height)
		in := controls.Take()
		if running = in.Running; !running {
			break
		}
		if in.StartInterpolation && !animator.StartInterpolation(sys.Scene().Mutables().Pose) {
			log.Println("The scene's model has no target pose to interpolate to.")
		}
		if in.ToggleDance {
			log.Printf("Dancing: %v.\n", animator.ToggleDance())
		}

		// Only trace a new frame if something changed.
		size := sys.Workers.Size()
		changed := size != numWorkers || !in.Idle() || animator.Dancing() || animator.Interpolating()
		numWorkers = size
		if changed {
			m := sys.Update(func(m *state.EnvMutables) {
				if in.ResetCamera {
					m.Cam = home
				}
				in.Steer(&m.Cam, moveStep, aspect)
				if in.Orbit != 0 {
					m.Cam = state.OrbitAround(m.Cam, focus, float64(in.Orbit)*orbitStep)
				}
				if in.ResetModel {
					if base, ok := animator.Reset(); ok {
						m.Pose = base
					}
				}
				m.Pose = in.Place(animator.Advance(m.Pose, dt), modelStep, turnStep, growStep)
			})

			select {
			case inFlight <- struct{}{}:
				// Spin off a coordinator for the new frame.
				coordinatorOut := make(chan struct{}, 1)
				go traceFrame(coordinator, n, m, coordinatorIn, coordinatorOut, shown, func() { <-inFlight })
				coordinatorIn = coordinatorOut
				n++
			default:
				// The workers are behind; the change is picked up by a later frame.
				numWorkers = -1
			}
		}

		// Show the newest frame the workers have finished.
		if fb := newest(shown); fb != nil {
			if err := screen.Draw(window, surface, fb); err != nil {
				log.Printf("Could not draw frame: %v.\n", err)
			}
		}

		screen.Pace(start)
	}

	// Wait for the remaining coordinators to complete, dropping their frames.
	for {
		select {
		case <-shown:
		case <-coordinatorIn:
			return
		}
	}
}

// runHeadless orbits the camera around the scene's focus, saving each frame the workers trace.
func runHeadless(sys *coord.System, coordinator *coord.Coordinator, frames int, fps float64, out string, wait time.Duration) {
	deadline := time.Now().Add(wait)
	for sys.Workers.Size() == 0 {
		if time.Now().After(deadline) {
			essentials.Die("no workers registered within", wait)
		}
		time.Sleep(100 * time.Millisecond)
	}

	animator := state.NewAnimator(sys.Scene().Object())
	focus := sys.Scene().Focus()
	step := 2 * math.Pi / float64(frames)
	for i := 0; i < frames; i++ {
		m := sys.Update(func(m *state.EnvMutables) {
			if i > 0 {
				m.Cam = state.OrbitAround(m.Cam, focus, step)
				m.Pose = animator.Advance(m.Pose, 1/fps)
			}
		})
		fb, err := coordinator.RenderFrame(context.Background(), uint64(i), m)
		essentials.Must(errors.Wrapf(err, "frame %d", i))

		path := out
		if frames > 1 {
			path = frame.NumberedPath(out, i)
		}
		essentials.Must(fb.Save(path))
		log.Printf("Saved frame %d to %s.\n", i, path)
	}
}

func main() {
	var scenePath, out string
	var width, height, port, depth, frames int
	var headless bool
	var fps float64
	var wait time.Duration

	flag.StringVar(&scenePath, "scene", "", "scene file (.json, .yaml or .toml); the default room if empty")
	flag.IntVar(&width, "width", 640, "frame width in pixels")
	flag.IntVar(&height, "height", 480, "frame height in pixels")
	flag.IntVar(&port, "port", 5000, "worker registration port")
	flag.IntVar(&depth, "depth", tracer.DefaultMaxDepth, "maximum ray depth")
	flag.BoolVar(&headless, "headless", false, "save frames to files instead of opening a window")
	flag.IntVar(&frames, "frames", 1, "number of frames to save in headless mode")
	flag.Float64Var(&fps, "fps", float64(screen.FPS), "frames per second of headless animations")
	flag.StringVar(&out, "out", "frame.png", "output path in headless mode; frames are numbered if there are several")
	flag.DurationVar(&wait, "wait", 30*time.Second, "how long headless mode waits for a worker to register")
	flag.Parse()

	if width <= 0 || height <= 0 {
		essentials.Die("frame size must be positive")
	}
	if frames <= 0 || fps <= 0 {
		essentials.Die("frames and fps must be positive")
	}
	if headless && !frame.Supported(filepath.Ext(out)) {
		essentials.Die("unsupported output format:", out)
	}
	opts := tracer.DefaultOptions()
	opts.MaxDepth = depth
	essentials.Must(opts.Validate())

	// Set up the system's state.
	sys := coord.NewSystem(loadScene(scenePath), pool.NewPool(8))
	defer sys.Workers.Destroy()

	// Spin off the registration server.
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		log.Fatalf("Failed to listen on port \"%d\": %v.\n", port, err)
	}
	registrar := grpc.NewServer()
	defer registrar.GracefulStop()
	go func() {
		if err := coord.NewRegistrar(sys, width, height, opts.Settings()).Serve(registrar, listener); err != nil {
			log.Fatalf("Registrar interrupted: %v.\n", err)
		}
	}()

	coordinator := coord.NewCoordinator(sys, width, height)
	if headless {
		runHeadless(sys, coordinator, frames, fps, out, wait)
	} else {
		runWindowed(sys, coordinator, width, height)
	}
}
