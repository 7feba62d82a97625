package relay

import (
	socketio "github.com/zishang520/socket.io/v2/socket"
)

// Fabric fans a room-scoped event out to every connection bound to roomID.
// exceptID, when not empty, is the connection id that must not receive it.
type Fabric interface {
	Broadcast(roomID, exceptID, event string, payload any) error
	Close() error
}

// SocketFabric delivers through the socket.io rooms of this process. Every
// socket sits in a room named after its own id, which is what Except uses.
type SocketFabric struct {
	srv *socketio.Server
}

func NewSocketFabric(srv *socketio.Server) *SocketFabric {
	return &SocketFabric{srv: srv}
}

func (f *SocketFabric) Broadcast(roomID, exceptID, event string, payload any) error {
	op := f.srv.To(socketio.Room(roomID))
	if exceptID != "" {
		op = op.Except(socketio.Room(exceptID))
	}
	return op.Emit(event, payload)
}

func (f *SocketFabric) Close() error {
	return nil
}
