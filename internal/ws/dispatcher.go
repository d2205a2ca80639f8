package ws

import (
	"context"
	"log"
	"time"

	"github.com/whisper/buddy-chat/internal/apperr"
	"github.com/whisper/buddy-chat/internal/conversation"
	"github.com/whisper/buddy-chat/internal/messaging"
	"github.com/whisper/buddy-chat/internal/metrics"
	"github.com/whisper/buddy-chat/internal/presence"
	"github.com/whisper/buddy-chat/internal/protocol"
	"github.com/whisper/buddy-chat/internal/roster"
)

// opTimeout bounds a single request issued over a connection.
const opTimeout = 5 * time.Second

// MessageHandler handles one parsed client request. msg is the pointer
// struct returned by protocol.ParseClientMessage; the returned value becomes
// the data of the result frame.
type MessageHandler func(ctx context.Context, conn *Connection, msg interface{}) (interface{}, error)

// MessageDispatcher routes incoming WebSocket messages to registered handlers
// based on the message type. It answers ping itself and turns handler errors
// into error or rate_limited frames carrying the request id.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	server   *Server
}

// NewMessageDispatcher creates a MessageDispatcher bound to server with a
// handler for every client request type.
func NewMessageDispatcher(server *Server) *MessageDispatcher {
	d := &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		server:   server,
	}
	d.registerDefaults()
	return d
}

// Register associates a MessageHandler with a message type, replacing any
// previous one.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is called from a read worker with one complete text frame.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	start := time.Now()
	env, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Printf("ws: dispatch parse error conn=%s: %v", conn.ID, err)
		d.sendFailure(conn, env.RequestID, apperr.InvalidArgument("invalid message format"))
		return
	}

	if env.Type == protocol.TypePing {
		d.handlePing(conn, env.RequestID)
		return
	}

	handler, ok := d.handlers[env.Type]
	if !ok {
		log.Printf("ws: unsupported message type=%q conn=%s", env.Type, conn.ID)
		d.sendFailure(conn, env.RequestID, apperr.InvalidArgument("unsupported message type %q", env.Type))
		return
	}

	ctx, cancel := context.WithTimeout(conn.Context(), opTimeout)
	result, err := handler(ctx, conn, msg)
	cancel()
	metrics.ObserveSince("ws."+env.Type, start)

	if err != nil {
		d.sendFailure(conn, env.RequestID, err)
		return
	}
	d.server.send(conn, protocol.TypeResult, protocol.ResultMsg{RequestID: env.RequestID, Data: result})
}

// handlePing answers a client ping. An application-level ping also counts
// as a presence heartbeat.
func (d *MessageDispatcher) handlePing(conn *Connection, requestID string) {
	ctx, cancel := context.WithTimeout(conn.Context(), opTimeout)
	if _, err := d.server.svc.Heartbeat(ctx); err != nil {
		log.Printf("ws: heartbeat on ping failed conn=%s: %v", conn.ID, err)
	}
	cancel()
	d.server.send(conn, protocol.TypePong, protocol.PongMsg{RequestID: requestID})
}

// sendFailure reports err to the client. Rate limits get their own frame so
// clients can back off without parsing error codes.
func (d *MessageDispatcher) sendFailure(conn *Connection, requestID string, err error) {
	kind := apperr.KindOf(err)
	if kind == apperr.KindRateLimited {
		d.server.send(conn, protocol.TypeRateLimited, protocol.RateLimitedMsg{
			RequestID:    requestID,
			RetryAfterMs: apperr.RetryAfterOf(err).Milliseconds(),
		})
		return
	}
	if kind == apperr.KindInternal {
		log.Printf("ws: request failed conn=%s user=%s: %v", conn.ID, conn.UserID, err)
	}
	d.server.send(conn, protocol.TypeError, protocol.ErrorMsg{
		RequestID: requestID,
		Code:      string(kind),
		Message:   apperr.PublicMessage(err),
	})
}

func (d *MessageDispatcher) registerDefaults() {
	svc := d.server.svc

	d.Register(protocol.TypeHeartbeat, func(ctx context.Context, _ *Connection, _ interface{}) (interface{}, error) {
		return svc.Heartbeat(ctx)
	})
	d.Register(protocol.TypeSetPresence, func(ctx context.Context, _ *Connection, msg interface{}) (interface{}, error) {
		m := msg.(*protocol.SetPresenceMsg)
		return svc.SetPresence(ctx, presence.Status(m.Status), m.Message)
	})
	d.Register(protocol.TypeClearPresence, func(ctx context.Context, _ *Connection, _ interface{}) (interface{}, error) {
		return nil, svc.ClearPresence(ctx)
	})
	d.Register(protocol.TypeGetPresence, func(ctx context.Context, _ *Connection, msg interface{}) (interface{}, error) {
		return svc.GetPresence(ctx, msg.(*protocol.GetPresenceMsg).UserID)
	})
	d.Register(protocol.TypeGetBuddyPresence, func(ctx context.Context, _ *Connection, msg interface{}) (interface{}, error) {
		out, err := svc.GetBuddyListPresence(ctx, msg.(*protocol.GetBuddyPresenceMsg).UserIDs)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"presence": out}, nil
	})

	d.Register(protocol.TypeAddBuddy, func(ctx context.Context, _ *Connection, msg interface{}) (interface{}, error) {
		return relationshipResult(svc.AddBuddy(ctx, msg.(*protocol.BuddyMsg).UserID))
	})
	d.Register(protocol.TypeAcceptBuddy, func(ctx context.Context, _ *Connection, msg interface{}) (interface{}, error) {
		return relationshipResult(svc.AcceptBuddy(ctx, msg.(*protocol.AnswerBuddyMsg).RelationshipID))
	})
	d.Register(protocol.TypeDeclineBuddy, func(ctx context.Context, _ *Connection, msg interface{}) (interface{}, error) {
		return nil, svc.DeclineBuddy(ctx, msg.(*protocol.AnswerBuddyMsg).RelationshipID)
	})
	d.Register(protocol.TypeBlockBuddy, func(ctx context.Context, _ *Connection, msg interface{}) (interface{}, error) {
		return relationshipResult(svc.BlockBuddy(ctx, msg.(*protocol.BuddyMsg).UserID))
	})
	d.Register(protocol.TypeUnblockBuddy, func(ctx context.Context, _ *Connection, msg interface{}) (interface{}, error) {
		return nil, svc.UnblockBuddy(ctx, msg.(*protocol.BuddyMsg).UserID)
	})
	d.Register(protocol.TypeRemoveBuddy, func(ctx context.Context, _ *Connection, msg interface{}) (interface{}, error) {
		return nil, svc.RemoveBuddy(ctx, msg.(*protocol.BuddyMsg).UserID)
	})
	d.Register(protocol.TypeGetRoster, func(ctx context.Context, _ *Connection, _ interface{}) (interface{}, error) {
		out, err := svc.GetUserRoster(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"buddies": out}, nil
	})
	d.Register(protocol.TypeGetPendingRequests, func(ctx context.Context, _ *Connection, _ interface{}) (interface{}, error) {
		out, err := svc.GetPendingRosterRequests(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"requests": out}, nil
	})

	d.Register(protocol.TypeTyping, func(ctx context.Context, _ *Connection, msg interface{}) (interface{}, error) {
		m := msg.(*protocol.TypingMsg)
		return svc.UpdateTyping(ctx, m.ConversationID, m.IsTyping)
	})
	d.Register(protocol.TypeGetTyping, func(ctx context.Context, _ *Connection, msg interface{}) (interface{}, error) {
		out, err := svc.GetTyping(ctx, msg.(*protocol.ConversationMsg).ConversationID)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"typing": out}, nil
	})

	d.Register(protocol.TypeSendMessage, func(ctx context.Context, conn *Connection, msg interface{}) (interface{}, error) {
		m := msg.(*protocol.SendMessageMsg)
		ref := conversation.RoomRef{ConversationID: m.ConversationID, DirectWith: m.DirectWith, PostID: m.PostID}
		sent, err := svc.SendMessage(ctx, ref, m.Body)
		if err != nil {
			return nil, err
		}
		d.server.joinConversation(conn, sent.ConversationID)
		return sent, nil
	})
	d.Register(protocol.TypeMarkRead, func(ctx context.Context, _ *Connection, msg interface{}) (interface{}, error) {
		return svc.MarkMessagesRead(ctx, msg.(*protocol.ConversationMsg).ConversationID)
	})
	d.Register(protocol.TypeEnsureDirectRoom, func(ctx context.Context, conn *Connection, msg interface{}) (interface{}, error) {
		conv, err := svc.EnsureDirectRoom(ctx, msg.(*protocol.BuddyMsg).UserID)
		if err != nil {
			return nil, err
		}
		d.server.joinConversation(conn, conv.ID)
		return conv, nil
	})
	d.Register(protocol.TypeEnsurePostRoom, func(ctx context.Context, conn *Connection, msg interface{}) (interface{}, error) {
		conv, err := svc.EnsurePostRoom(ctx, msg.(*protocol.EnsurePostRoomMsg).PostID)
		if err != nil {
			return nil, err
		}
		d.server.joinConversation(conn, conv.ID)
		return conv, nil
	})
	d.Register(protocol.TypeLeavePostRoom, func(ctx context.Context, conn *Connection, msg interface{}) (interface{}, error) {
		m := msg.(*protocol.LeavePostRoomMsg)
		if err := svc.LeavePostRoom(ctx, conversation.RoomRef{ConversationID: m.ConversationID, PostID: m.PostID}); err != nil {
			return nil, err
		}
		d.server.pruneConversations(ctx, conn)
		return nil, nil
	})
	d.Register(protocol.TypeHistory, func(ctx context.Context, _ *Connection, msg interface{}) (interface{}, error) {
		m := msg.(*protocol.HistoryMsg)
		out, err := svc.History(ctx, m.ConversationID, m.Before, m.Limit)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"messages": out}, nil
	})
	d.Register(protocol.TypeConversations, func(ctx context.Context, _ *Connection, _ interface{}) (interface{}, error) {
		out, err := svc.Conversations(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"conversations": out}, nil
	})

	d.Register(protocol.TypeSubscribe, func(ctx context.Context, conn *Connection, msg interface{}) (interface{}, error) {
		subject := msg.(*protocol.SubscribeMsg).Subject
		if err := svc.AuthorizeSubscription(ctx, subject); err != nil {
			return nil, err
		}
		if err := d.server.subscribe(conn, subject); err != nil {
			return nil, err
		}
		return map[string]interface{}{"subject": subject}, nil
	})
	d.Register(protocol.TypeUnsubscribe, func(_ context.Context, conn *Connection, msg interface{}) (interface{}, error) {
		subject := msg.(*protocol.SubscribeMsg).Subject
		if _, _, ok := messaging.ParseSubject(subject); !ok {
			return nil, apperr.InvalidArgument("unknown subject %q", subject)
		}
		conn.subs.remove(subject)
		return map[string]interface{}{"subject": subject}, nil
	})
}

// relationshipResult matches the REST representation of a relationship.
func relationshipResult(rel roster.Relationship, err error) (interface{}, error) {
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"relationship_id": rel.ID, "status": rel.Status}, nil
}
