package session

// State es el estado de la sesión de un equipo sobre una conexión.
type State uint32

const (
	// AwaitingIdentification: todavía no llegó el frame con el IMEI.
	AwaitingIdentification State = iota
	// Authenticated: IMEI aceptado, aún no llega ningún frame de datos.
	Authenticated
	// Streaming: ciclo decode/ACK en curso.
	Streaming
	// Closed es terminal; los bytes que lleguen se descartan.
	Closed
)

func (s State) String() string {
	switch s {
	case AwaitingIdentification:
		return "awaiting-identification"
	case Authenticated:
		return "authenticated"
	case Streaming:
		return "streaming"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// canTransition define el único orden permitido de estados.
func canTransition(from, to State) bool {
	switch to {
	case Authenticated:
		return from == AwaitingIdentification
	case Streaming:
		return from == Authenticated
	case Closed:
		return from != Closed
	}
	return false
}

// StateChangeHandler se invoca de forma síncrona en cada transición.
type StateChangeHandler func(s *Session, prev, next State)
