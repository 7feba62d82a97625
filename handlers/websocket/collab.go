package websocket

import (
	"context"
	"fmt"
	"reflect"
	"regexp"
	"sync"

	"roomsync-server/core"

	"github.com/sirupsen/logrus"
	"github.com/zishang520/engine.io/v2/types"
	socketio "github.com/zishang520/socket.io/v2/socket"
)

type ackInvoker func(payload map[string]any)

type socketConn struct {
	socket *socketio.Socket
}

func (c socketConn) ID() string          { return string(c.socket.Id()) }
func (c socketConn) Join(roomID string)  { c.socket.Join(socketio.Room(roomID)) }
func (c socketConn) Leave(roomID string) { c.socket.Leave(socketio.Room(roomID)) }

var (
	activeSessions = make(map[string]*Session)
	sessionsMutex  sync.RWMutex
)

// ActiveSessions returns how many connections this process currently serves.
func ActiveSessions() int {
	sessionsMutex.RLock()
	defer sessionsMutex.RUnlock()
	return len(activeSessions)
}

// SetupSocketIO builds the socket.io server. Browsers from allowedOrigins may
// connect; with none configured only localhost origins are accepted.
func SetupSocketIO(allowedOrigins []string) *socketio.Server {
	opts := socketio.DefaultServerOptions()
	opts.SetMaxHttpBufferSize(5000000)
	opts.SetPath("/socket.io")
	opts.SetAllowEIO3(true)

	origins := make([]any, 0, len(allowedOrigins)+1)
	for _, origin := range allowedOrigins {
		origins = append(origins, origin)
	}
	if len(origins) == 0 {
		origins = append(origins, regexp.MustCompile(`^https?://(localhost|127\.0\.0\.1|\[::1\])(:\d+)?$`))
	}
	opts.SetCors(&types.Cors{
		Origin:      origins,
		Credentials: true,
	})

	return socketio.NewServer(nil, opts)
}

// Attach routes every connection of srv through h.
func Attach(srv *socketio.Server, h *Handler) {
	//nolint:errcheck // Socket.IO event handlers do not return useful errors
	srv.On("connection", func(clients ...any) {
		socket, ok := clients[0].(*socketio.Socket)
		if !ok {
			return
		}

		conn := socketConn{socket: socket}
		sess := NewSession(conn.ID())
		ctx := context.Background()

		sessionsMutex.Lock()
		activeSessions[sess.ID()] = sess
		sessionsMutex.Unlock()
		logrus.WithField("session", sess.ID()).Debug("Connection accepted")

		on(socket, sess, "room:create", func(args []any) map[string]any {
			return h.CreateRoom(ctx, conn, sess, args)
		})
		on(socket, sess, "room:join", func(args []any) map[string]any {
			return h.JoinRoom(ctx, conn, sess, args)
		})
		on(socket, sess, "room:state", func(args []any) map[string]any {
			return h.RoomState(ctx, sess, args)
		})
		on(socket, sess, "doc:fetch", func(args []any) map[string]any {
			return h.FetchDocument(ctx, sess, args)
		})
		on(socket, sess, "doc:update", func(args []any) map[string]any {
			return h.UpdateDocument(ctx, sess, args)
		})
		on(socket, sess, "presence:cursor", func(args []any) map[string]any {
			return h.Cursor(sess, args)
		})

		//nolint:errcheck // Socket.IO event handlers do not return useful errors
		socket.On("disconnect", func(datas ...any) {
			defer recoverHandler("disconnect", sess, nil)

			sessionsMutex.Lock()
			delete(activeSessions, sess.ID())
			sessionsMutex.Unlock()

			h.Disconnect(ctx, sess)
			socket.RemoveAllListeners("")
		})
	})
}

// on registers an ack-style event. The result goes to the ack callback when
// the client sent one and is emitted as "<event>:result" otherwise.
func on(socket *socketio.Socket, sess *Session, event string, fn func(args []any) map[string]any) {
	//nolint:errcheck // Socket.IO event handlers do not return useful errors
	socket.On(event, func(datas ...any) {
		ack, args := extractAck(datas)
		reply := func(payload map[string]any) {
			respondWithAck(socket, ack, event+":result", payload)
		}
		defer recoverHandler(event, sess, reply)

		reply(fn(args))
	})
}

func recoverHandler(event string, sess *Session, reply func(map[string]any)) {
	r := recover()
	if r == nil {
		return
	}
	logrus.WithFields(logrus.Fields{
		"event":   event,
		"session": sess.ID(),
		"panic":   fmt.Sprint(r),
	}).Error("Recovered from handler panic")
	if reply != nil {
		reply(errorAck(core.CodeInternal, "internal error"))
	}
}

func extractAck(datas []any) (ack ackInvoker, args []any) {
	if len(datas) == 0 {
		return nil, datas
	}

	candidate := datas[len(datas)-1]
	ack = wrapAck(candidate)
	if ack == nil {
		return nil, datas
	}

	return ack, datas[:len(datas)-1]
}

func wrapAck(candidate any) ackInvoker {
	if candidate == nil {
		return nil
	}

	value := reflect.ValueOf(candidate)
	if !value.IsValid() || value.Kind() != reflect.Func {
		return nil
	}

	typ := value.Type()
	return func(payload map[string]any) {
		args := buildAckArgs(typ, payload)
		if typ.IsVariadic() {
			value.CallSlice(args)
			return
		}
		value.Call(args)
	}
}

// buildAckArgs fills the callback parameters: the payload goes to the first
// parameter that can carry it and everything else gets its zero value.
func buildAckArgs(typ reflect.Type, payload map[string]any) []reflect.Value {
	numIn := typ.NumIn()
	args := make([]reflect.Value, numIn)

	placed := false
	for i := 0; i < numIn; i++ {
		paramType := typ.In(i)
		if placed || paramType == errorType {
			args[i] = reflect.Zero(paramType)
			continue
		}
		args[i] = coerceValue(payload, paramType)
		placed = !args[i].IsZero()
	}

	return args
}

var errorType = reflect.TypeOf((*error)(nil)).Elem()

func coerceValue(value any, targetType reflect.Type) reflect.Value {
	if value == nil {
		return reflect.Zero(targetType)
	}

	rv := reflect.ValueOf(value)
	if rv.Type().AssignableTo(targetType) {
		return rv
	}

	if rv.Type().ConvertibleTo(targetType) {
		return rv.Convert(targetType)
	}

	if targetType.Kind() == reflect.Interface {
		if rv.Type().Implements(targetType) || targetType.NumMethod() == 0 {
			return rv
		}
	}

	// Socket.IO acknowledgements take the argument list as a slice.
	if targetType.Kind() == reflect.Slice && targetType.Elem().Kind() == reflect.Interface {
		list := reflect.MakeSlice(targetType, 1, 1)
		list.Index(0).Set(rv)
		return list
	}

	if targetType.Kind() == reflect.Map && targetType.Key().Kind() == reflect.String {
		if payload, ok := value.(map[string]any); ok {
			return convertMap(payload, targetType)
		}
	}

	return reflect.Zero(targetType)
}

func convertMap(source map[string]any, targetType reflect.Type) reflect.Value {
	result := reflect.MakeMapWithSize(targetType, len(source))
	for key, val := range source {
		if val == nil {
			continue
		}
		keyValue := reflect.ValueOf(key).Convert(targetType.Key())
		valueValue := reflect.ValueOf(val)
		if !valueValue.Type().AssignableTo(targetType.Elem()) {
			if valueValue.Type().ConvertibleTo(targetType.Elem()) {
				valueValue = valueValue.Convert(targetType.Elem())
			} else {
				continue
			}
		}
		result.SetMapIndex(keyValue, valueValue)
	}
	return result
}

func respondWithAck(socket *socketio.Socket, ack ackInvoker, event string, payload map[string]any) {
	if ack != nil {
		ack(payload)
		return
	}

	if event != "" && payload != nil {
		_ = socket.Emit(event, payload)
	}
}
