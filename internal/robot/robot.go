// Package robot formats high-level robot actions into routed command strings
// and hands them to a dispatcher. It never talks to the network itself.
package robot

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/mattjoyce/bcibot/internal/log"
	"github.com/mattjoyce/bcibot/internal/protocol"
	"github.com/mattjoyce/bcibot/internal/status"
)

// Speed presets understood by the movement controller.
const (
	LowSpeed    = 1
	MediumSpeed = 3
	HighSpeed   = 5
)

// Direction is a movement or turn direction.
type Direction string

const (
	Forward  Direction = "forward"
	Backward Direction = "backward"
	Left     Direction = "left"
	Right    Direction = "right"
)

func (d Direction) angular() bool { return d == Left || d == Right }

// Wait targets in the form scripts have always used.
const (
	AllDone     = "all done"
	MoveDone    = "move done"
	SpeakDone   = "speak done"
	GripperDone = "gripper done"
	CameraDone  = "camera done"
)

const linkSeparator = "|"

// Dispatcher is the part of the dispatcher the robot needs.
type Dispatcher interface {
	SendCommand(raw string)
	WaitFor(ctx context.Context, target status.Target) error
}

// Robot builds commands for one robot. Unless multitasking is enabled, each
// movement, speech, or camera command first waits for every channel to be idle.
type Robot struct {
	d      Dispatcher
	logger *slog.Logger

	mu           sync.Mutex
	multitasking bool
	linking      bool
	linked       []string
	moveUnits    Unit
	turnUnits    Unit
}

// New returns a robot driving d and sets both speeds to LowSpeed.
func New(d Dispatcher) *Robot {
	r := &Robot{
		d:         d,
		logger:    log.WithComponent("robot"),
		moveUnits: Inches,
		turnUnits: Degrees,
	}
	r.SetMovementSpeed(LowSpeed)
	r.SetTurningSpeed(LowSpeed)
	return r
}

// Move starts an open-ended movement or turn in dir.
func (r *Robot) Move(ctx context.Context, dir Direction) error {
	if err := r.awaitMovement(ctx); err != nil {
		return err
	}
	r.send(protocol.Move, "move "+string(dir))
	return nil
}

// MoveBy moves or turns by amount. Distances are sent in whole inches and
// angles in whole degrees. An empty unit selects the default for dir.
func (r *Robot) MoveBy(ctx context.Context, dir Direction, amount float64, u Unit) error {
	var (
		n   int
		err error
	)
	if dir.angular() {
		n, err = toDegrees(amount, r.unitOr(u, true))
	} else {
		n, err = toInches(amount, r.unitOr(u, false))
	}
	if err != nil {
		return err
	}
	if err := r.awaitMovement(ctx); err != nil {
		return err
	}
	r.send(protocol.Move, fmt.Sprintf("move %s %d", dir, n))
	return nil
}

// Travel moves forward by a distance, or turns left by an angle, depending on u.
func (r *Robot) Travel(ctx context.Context, amount float64, u Unit) error {
	if r.unitOr(u, false).IsAngular() {
		return r.MoveBy(ctx, Left, amount, u)
	}
	return r.MoveBy(ctx, Forward, amount, u)
}

// Turn turns left by amount.
func (r *Robot) Turn(ctx context.Context, amount float64, u Unit) error {
	return r.MoveBy(ctx, Left, amount, u)
}

// ArcForward drives a continuous forward arc of the given radius.
func (r *Robot) ArcForward(ctx context.Context, radius float64) error {
	return r.continuousArc(ctx, "f", radius)
}

// ArcBackward drives a continuous backward arc of the given radius.
func (r *Robot) ArcBackward(ctx context.Context, radius float64) error {
	return r.continuousArc(ctx, "b", radius)
}

func (r *Robot) continuousArc(ctx context.Context, way string, radius float64) error {
	in, err := toInches(radius, r.unitOr("", false))
	if err != nil {
		return err
	}
	if err := r.awaitMovement(ctx); err != nil {
		return err
	}
	r.send(protocol.Move, fmt.Sprintf("%s cont arc %d", way, in))
	return nil
}

// ArcAngle drives an arc of radius through angle, both in default units.
func (r *Robot) ArcAngle(ctx context.Context, radius, angle float64) error {
	in, err := Convert(radius, r.unitOr("", false), Inches)
	if err != nil {
		return err
	}
	deg, err := Convert(angle, r.unitOr("", true), Degrees)
	if err != nil {
		return err
	}
	return r.arc(ctx, in, deg)
}

// ArcDistance drives an arc of radius until distance has been covered along it.
func (r *Robot) ArcDistance(ctx context.Context, radius, distance float64) error {
	units := r.unitOr("", false)
	in, err := Convert(radius, units, Inches)
	if err != nil {
		return err
	}
	dist, err := Convert(distance, units, Inches)
	if err != nil {
		return err
	}
	if in == 0 {
		return fmt.Errorf("arc radius must be non-zero")
	}
	return r.arc(ctx, in, dist/(2*math.Pi*in)*360)
}

func (r *Robot) arc(ctx context.Context, inches, degrees float64) error {
	if err := r.awaitMovement(ctx); err != nil {
		return err
	}
	r.send(protocol.Move, fmt.Sprintf("arc %d %d", int(inches), int(degrees)))
	return nil
}

// Stop halts movement immediately.
func (r *Robot) Stop() { r.send(protocol.Move, "stop ") }

func (r *Robot) IncreaseSpeed() { r.send(protocol.Move, "increase speed") }
func (r *Robot) DecreaseSpeed() { r.send(protocol.Move, "decrease speed") }

func (r *Robot) SetMovementSpeed(speed int) { r.send(protocol.Move, "set m "+strconv.Itoa(speed)) }
func (r *Robot) SetTurningSpeed(speed int)  { r.send(protocol.Move, "set t "+strconv.Itoa(speed)) }

// SetDefaultUnits changes the distance or angle unit used when none is given.
func (r *Robot) SetDefaultUnits(s string) error {
	u, err := ParseUnit(s)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if u.IsAngular() {
		r.turnUnits = u
	} else {
		r.moveUnits = u
	}
	return nil
}

// DefaultUnits returns the current distance and angle units.
func (r *Robot) DefaultUnits() (distance, angle Unit) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.moveUnits, r.turnUnits
}

// BeginLinked starts collecting movement commands instead of sending them.
// Movement does not wait for idle channels while linking.
func (r *Robot) BeginLinked() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.linking = true
	r.linked = nil
}

// EndLinked stops collecting. Collected commands are kept for SendLinked.
func (r *Robot) EndLinked() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.linking = false
}

// SendLinked sends the collected movements as one link command ending in a
// stop, then clears the collection.
func (r *Robot) SendLinked() {
	r.mu.Lock()
	body := strings.Join(append(r.linked, "stop "), linkSeparator)
	n := len(r.linked)
	r.linked = nil
	r.mu.Unlock()

	r.logger.Info("sending linked movements", "count", n)
	r.dispatch(protocol.Move, "link "+body)
}

// Linked returns the movement commands collected so far.
func (r *Robot) Linked() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.linked...)
}

func (r *Robot) EnableMultitasking() {
	r.mu.Lock()
	r.multitasking = true
	r.mu.Unlock()
}

func (r *Robot) DisableMultitasking() {
	r.mu.Lock()
	r.multitasking = false
	r.mu.Unlock()
}

func (r *Robot) Multitasking() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.multitasking
}

// Speak says message. The message is sent quoted and unescaped.
func (r *Robot) Speak(ctx context.Context, message string) error {
	if err := r.await(ctx, false); err != nil {
		return err
	}
	r.send(protocol.Speak, `speak "`+message+`"`)
	return nil
}

func (r *Robot) OpenGripper()  { r.send(protocol.Gripper, "gripper open") }
func (r *Robot) CloseGripper() { r.send(protocol.Gripper, "gripper close") }
func (r *Robot) StopGripper()  { r.send(protocol.Gripper, "gripper stop") }

// RequestPicture asks the camera to grab an image. When replyAddr is set the
// camera delivers the image there.
func (r *Robot) RequestPicture(ctx context.Context, replyAddr string) error {
	if err := r.await(ctx, false); err != nil {
		return err
	}
	cmd := "grab image"
	if replyAddr != "" {
		cmd = replyAddr + " " + cmd
	}
	r.send(protocol.Camera, cmd)
	return nil
}

// WaitFor blocks until target ("all done", "move done", ...) holds.
func (r *Robot) WaitFor(ctx context.Context, target string) error {
	t, err := status.ParseTarget(target)
	if err != nil {
		return err
	}
	return r.d.WaitFor(ctx, t)
}

func (r *Robot) awaitMovement(ctx context.Context) error {
	return r.await(ctx, true)
}

// await waits for all channels unless multitasking, or linking for movement.
func (r *Robot) await(ctx context.Context, movement bool) error {
	r.mu.Lock()
	skip := r.multitasking || (movement && r.linking)
	r.mu.Unlock()
	if skip {
		return nil
	}
	return r.d.WaitFor(ctx, status.All)
}

// send dispatches body on tag, or collects it when linking movement.
func (r *Robot) send(tag protocol.Tag, body string) {
	if tag == protocol.Move {
		r.mu.Lock()
		if r.linking {
			r.linked = append(r.linked, body)
			r.mu.Unlock()
			r.logger.Debug("holding linked movement", "command", body)
			return
		}
		r.mu.Unlock()
	}
	r.dispatch(tag, body)
}

func (r *Robot) dispatch(tag protocol.Tag, body string) {
	raw := tag.Prefix() + " " + body + "\n"
	r.logger.Debug("sending command", "channel", tag.String(), "command", body)
	r.d.SendCommand(raw)
}

func (r *Robot) unitOr(u Unit, angular bool) Unit {
	if u != "" {
		return u
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if angular {
		return r.turnUnits
	}
	return r.moveUnits
}
