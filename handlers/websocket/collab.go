package websocket

import (
	"context"
	"fmt"
	"reflect"
	"regexp"

	"letter-collab/auth"
	"letter-collab/collab"
	"letter-collab/core"

	"github.com/sirupsen/logrus"
	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/engine.io/v2/utils"
	socketio "github.com/zishang520/socket.io/v2/socket"
)

type ackInvoker func(err error, payload map[string]any)

// socketConn adapts a socket.io socket to collab.Conn. Emit only queues the
// packet on the socket, so it never blocks the room.
type socketConn struct {
	socket *socketio.Socket
}

func (c socketConn) ID() string { return string(c.socket.Id()) }

func (c socketConn) Emit(event string, args ...any) error {
	return c.socket.Emit(event, args...)
}

func SetupSocketIO(engine *collab.Engine, verifier *auth.Verifier, origins []string) *socketio.Server {
	opts := socketio.DefaultServerOptions()
	opts.SetMaxHttpBufferSize(5000000)
	opts.SetPath("/socket.io")
	opts.SetAllowEIO3(true)
	localhostOrigin := regexp.MustCompile(`^https?://(localhost|127\.0\.0\.1|\[::1\])(:\d+)?$`)
	allowed := []any{localhostOrigin}
	for _, origin := range origins {
		allowed = append(allowed, origin)
	}
	opts.SetCors(&types.Cors{
		Origin:      allowed,
		Credentials: true,
	})
	srv := socketio.NewServer(nil, opts)
	gateway := engine.Gateway

	//nolint:errcheck // Socket.IO event handlers do not return useful errors
	srv.On("connection", func(clients ...any) {
		socket, ok := clients[0].(*socketio.Socket)
		if !ok {
			return
		}
		conn := socketConn{socket: socket}

		var handshakeAuth any
		if hs := socket.Handshake(); hs != nil {
			handshakeAuth = hs.Auth
		}
		identity, err := resolveIdentity(verifier, handshakeAuth, conn.ID())
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"conn_id": conn.ID(),
				"error":   err,
			}).Warn("Rejecting unauthenticated socket")
			_ = socket.Emit(collab.EventError, collab.ErrorPayload{Error: err.Error()})
			socket.Disconnect(true)
			return
		}
		if err := gateway.OnConnect(conn, identity); err != nil {
			socket.Disconnect(true)
			return
		}
		utils.Log().Printf("socket %v connected as %v\n", conn.ID(), identity.Subject)

		//nolint:errcheck // Socket.IO event handlers do not return useful errors
		socket.On(collab.EventJoin, func(datas ...any) {
			ack, args := extractAck(datas)
			letterID, err := parseLetterID(args)
			if err != nil {
				respondWithAck(ack, errorPayload(err), err)
				return
			}

			view, err := gateway.OnJoin(context.Background(), conn, letterID)
			if err != nil {
				respondWithAck(ack, errorPayload(err), err)
				return
			}
			utils.Log().Printf("socket %v has joined letter %v\n", conn.ID(), letterID)
			respondWithAck(ack, map[string]any{
				"status":     "ok",
				"user_count": view.Participants,
			}, nil)
		})

		//nolint:errcheck // Socket.IO event handlers do not return useful errors
		socket.On(collab.EventRequestCatchUp, func(datas ...any) {
			ack, args := extractAck(datas)
			letterID, err := parseLetterID(args)
			if err != nil {
				respondWithAck(ack, errorPayload(err), err)
				return
			}
			content, err := gateway.OnRequestCatchUp(conn, letterID)
			if err != nil {
				respondWithAck(ack, errorPayload(err), err)
				return
			}
			respondWithAck(ack, map[string]any{"status": "ok", "content": content}, nil)
		})

		//nolint:errcheck // Socket.IO event handlers do not return useful errors
		socket.On(collab.EventEdit, func(datas ...any) {
			ack, args := extractAck(datas)
			edit, err := parseEditArgs(args)
			if err != nil {
				_ = socket.Emit(collab.EventError, collab.ErrorPayload{Error: err.Error()})
				respondWithAck(ack, errorPayload(err), err)
				return
			}
			if err := gateway.OnEdit(conn, edit.LetterID, edit.Content); err != nil {
				respondWithAck(ack, errorPayload(err), err)
				return
			}
			respondWithAck(ack, map[string]any{"status": "ok"}, nil)
		})

		//nolint:errcheck // Socket.IO event handlers do not return useful errors
		socket.On(collab.EventLeave, func(datas ...any) {
			ack, args := extractAck(datas)
			letterID, err := parseLetterID(args)
			if err != nil {
				respondWithAck(ack, errorPayload(err), err)
				return
			}
			gateway.OnLeave(conn, letterID)
			respondWithAck(ack, map[string]any{"status": "ok"}, nil)
		})

		//nolint:errcheck // Socket.IO event handlers do not return useful errors
		socket.On("disconnect", func(datas ...any) {
			utils.Log().Printf("socket %v disconnected\n", conn.ID())
			gateway.OnDisconnect(conn)
			socket.RemoveAllListeners("")
		})
	})

	return srv
}

// resolveIdentity reads {token, userId} from the socket.io auth payload.
// Without a JWT secret and without a user id the socket gets an anonymous
// identity bound to its own id, matching clients that send no auth at all.
func resolveIdentity(verifier *auth.Verifier, handshakeAuth any, connID string) (core.Identity, error) {
	fields, _ := handshakeAuth.(map[string]any)
	token, _ := fields["token"].(string)
	userID, _ := fields["userId"].(string)

	if !verifier.Enabled() && userID == "" {
		return core.Identity{Subject: "anonymous:" + connID}, nil
	}
	return verifier.Identify(token, userID)
}

func parseLetterID(args []any) (string, error) {
	if len(args) == 0 {
		return "", fmt.Errorf("letter id is required")
	}
	switch v := args[0].(type) {
	case string:
		if v == "" {
			return "", fmt.Errorf("invalid letter id")
		}
		return v, nil
	case map[string]any:
		if id, ok := v["letterId"].(string); ok && id != "" {
			return id, nil
		}
	}
	return "", fmt.Errorf("invalid letter id")
}

// parseEditArgs accepts the client's {letterId, content} object as well as
// the positional (letterId, content) form.
func parseEditArgs(args []any) (collab.EditPayload, error) {
	if len(args) == 0 {
		return collab.EditPayload{}, fmt.Errorf("edit payload is required")
	}

	if fields, ok := args[0].(map[string]any); ok {
		letterID, _ := fields["letterId"].(string)
		content, hasContent := fields["content"].(string)
		if letterID == "" {
			return collab.EditPayload{}, fmt.Errorf("invalid letter id")
		}
		if !hasContent && fields["content"] != nil {
			return collab.EditPayload{}, fmt.Errorf("content must be a string")
		}
		return collab.EditPayload{LetterID: letterID, Content: content}, nil
	}

	letterID, ok := args[0].(string)
	if !ok || letterID == "" {
		return collab.EditPayload{}, fmt.Errorf("invalid letter id")
	}
	if len(args) < 2 {
		return collab.EditPayload{LetterID: letterID}, nil
	}
	content, ok := args[1].(string)
	if !ok {
		return collab.EditPayload{}, fmt.Errorf("content must be a string")
	}
	return collab.EditPayload{LetterID: letterID, Content: content}, nil
}

func errorPayload(err error) map[string]any {
	return map[string]any{
		"status": "error",
		"error":  err.Error(),
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
	return func(err error, payload map[string]any) {
		args := buildAckArgs(typ, err, payload)
		value.Call(args)
	}
}

var errorType = reflect.TypeOf((*error)(nil)).Elem()

func buildAckArgs(typ reflect.Type, err error, payload map[string]any) []reflect.Value {
	numIn := typ.NumIn()

	// socket.io hands event listeners func([]any, error); the slice is the
	// ack's argument list, so the payload carries the outcome.
	if numIn == 2 && typ.In(0).Kind() == reflect.Slice && typ.In(1) == errorType {
		return []reflect.Value{
			coerceValue([]any{payload}, typ.In(0)),
			coerceValue(err, typ.In(1)),
		}
	}

	args := make([]reflect.Value, numIn)

	for i := 0; i < numIn; i++ {
		var argValue any
		switch {
		case numIn == 1:
			if err != nil {
				argValue = err
			} else {
				argValue = payload
			}
		case i == 0:
			argValue = err
		case i == 1:
			argValue = payload
		}
		args[i] = coerceValue(argValue, typ.In(i))
	}

	return args
}

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
	if targetType.Kind() == reflect.Interface && targetType.NumMethod() == 0 {
		return rv
	}
	if targetType.Kind() == reflect.String {
		return reflect.ValueOf(fmt.Sprint(value)).Convert(targetType)
	}
	return reflect.Zero(targetType)
}

func respondWithAck(ack ackInvoker, payload map[string]any, ackErr error) {
	if ack != nil {
		ack(ackErr, payload)
	}
}
