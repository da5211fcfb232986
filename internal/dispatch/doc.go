// Package dispatch routes raw command lines to the robot's four channels.
//
// A raw line is "<prefix><separator><payload>": the first three characters
// select the channel, the fourth is discarded, and everything after it is the
// payload handed to that channel's queue.
//
//	ER1 -> Move     (port 9010)
//	SPK -> Speak    (port 9011)
//	GRP -> Gripper  (port 9012)
//	CAM -> Camera   (port 9013)
//
// Unknown prefixes are dropped silently. Lines too short to carry a prefix and
// separator are dropped and reported to the error sink. SendCommand never
// blocks; callers learn about completion through IsDone, Snapshot or WaitFor,
// and about failures only through the sink.
//
// Close drains Move, Speak, Gripper and Camera in that order, closing each
// connection once its queue is empty.
package dispatch
