package hsm

// Event carries an event identifier and optional payload through the machine.
type Event struct {
	ID      EventID
	Payload any
}

// NoEvent marks an eventless transition. Eventless transitions may only
// leave condition states and are evaluated as soon as the state is
// entered.
const NoEvent EventID = ""
