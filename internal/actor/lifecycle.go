package actor

// StartUpCompleted is sent to an actor's supervisor once PreStart returned.
// Err is nil on success; a failed actor stops immediately afterwards.
type StartUpCompleted struct {
	Ref *Ref
	Err error
}

// ActorTerminated is sent to an actor's supervisor after its mailbox loop
// exited and PostStop ran.
type ActorTerminated struct {
	Ref *Ref
	ID  uint64
}
