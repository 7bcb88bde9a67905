// Command-line client for the chat relay
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"chatrelay/chatrelay/config"
	"chatrelay/chatrelay/controllers"
	"chatrelay/chatrelay/middlewares"
	"chatrelay/chatrelay/utils/color"
	"chatrelay/chatrelay/utils/jsonutils"
	"chatrelay/chatrelay/utils/types"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
)

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}
	var err error
	switch args[0] {
	case "connect":
		err = runConnect(args[1:], os.Stdin, os.Stdout)
	case "token":
		err = runToken(args[1:], os.Stdout)
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, color.ColorError(err.Error()))
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("chatrelay usage:")
	fmt.Println("  chatrelay connect [-url ws://localhost:5174/ws] [-conversation id] [-token jwt]")
	fmt.Println("  chatrelay token -sub name [-ttl 24h]")
}

func runToken(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	sub := fs.String("sub", "", "token subject")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *sub == "" {
		return errors.New("-sub is required")
	}
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	token, err := middlewares.IssueToken(cfg.JWTSecret, *sub, *ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, token)
	return nil
}

func runConnect(args []string, in io.Reader, out io.Writer) error {
	fs := flag.NewFlagSet("connect", flag.ContinueOnError)
	rawURL := fs.String("url", "ws://localhost:5174/ws", "relay websocket url")
	conversation := fs.String("conversation", "", "conversation id (random when empty)")
	token := fs.String("token", "", "bearer token when the relay requires auth")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *conversation == "" {
		*conversation = uuid.NewString()
	}
	target, err := socketURL(*rawURL, *token)
	if err != nil {
		return err
	}

	dialCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, target, nil)
	if err != nil {
		return fmt.Errorf("connect %s: %w", *rawURL, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	c := &client{conn: conn, conversation: *conversation, out: out}
	fmt.Fprintln(out, color.ColorInfo("Connected. Conversation: "+c.conversation))
	fmt.Fprintln(out, "Type a message, /history, /clear or 'exit' to quit.")
	return c.loop(context.Background(), in)
}

// socketURL adds the token query parameter, keeping any existing query.
func socketURL(raw, token string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid -url: %w", err)
	}
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

type client struct {
	conn         *websocket.Conn
	conversation string
	out          io.Writer
	nextID       int64
}

type reply struct {
	Event string          `json:"event"`
	ID    *int64          `json:"id"`
	Data  json.RawMessage `json:"data"`
}

func (c *client) loop(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(c.out, color.ColorPrompt("you> "))
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		var err error
		switch line {
		case "":
			continue
		case "exit", "quit":
			fmt.Fprintln(c.out, "Goodbye!")
			return nil
		case "/history":
			var history []types.HistoryMessage
			if history, err = c.history(ctx); err == nil {
				fmt.Fprintln(c.out, jsonutils.ToJSON(history))
			}
		case "/clear":
			var res types.ClearResult
			if res, err = c.clear(ctx); err == nil {
				if res.Success {
					fmt.Fprintln(c.out, color.ColorInfo("conversation cleared"))
				} else {
					fmt.Fprintln(c.out, color.ColorError("clear failed: "+res.Error))
				}
			}
		default:
			err = c.send(ctx, line)
		}
		if err != nil {
			return err
		}
	}
}

func (c *client) write(ctx context.Context, event string, data any) (int64, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return 0, err
	}
	c.nextID++
	id := c.nextID
	return id, wsjson.Write(ctx, c.conn, controllers.SocketFrame{Event: event, ID: &id, Data: raw})
}

// send streams one reply to out, returning after streamEnd.
func (c *client) send(ctx context.Context, text string) error {
	if _, err := c.write(ctx, controllers.EventSendMessage, types.ChatRequest{ConversationID: c.conversation, Message: text}); err != nil {
		return err
	}
	for {
		var r reply
		if err := wsjson.Read(ctx, c.conn, &r); err != nil {
			return err
		}
		var ev types.StreamEvent
		_ = json.Unmarshal(r.Data, &ev)
		switch r.Event {
		case controllers.EventChatChunk:
			fmt.Fprint(c.out, color.ColorModel(ev.Data))
		case controllers.EventStreamError:
			fmt.Fprintln(c.out, "\n"+color.ColorError(ev.Data))
		case controllers.EventStreamEnd:
			fmt.Fprintln(c.out)
			return nil
		case controllers.EventError:
			fmt.Fprintln(c.out, color.ColorError(string(r.Data)))
		}
	}
}

// await reads frames until the ack for id arrives.
func (c *client) await(ctx context.Context, id int64) (json.RawMessage, error) {
	for {
		var r reply
		if err := wsjson.Read(ctx, c.conn, &r); err != nil {
			return nil, err
		}
		if r.ID == nil || *r.ID != id {
			continue
		}
		if r.Event == controllers.EventError {
			var msg string
			_ = json.Unmarshal(r.Data, &msg)
			return nil, errors.New(msg)
		}
		return r.Data, nil
	}
}

func (c *client) history(ctx context.Context) ([]types.HistoryMessage, error) {
	id, err := c.write(ctx, controllers.EventGetHistory, c.conversation)
	if err != nil {
		return nil, err
	}
	data, err := c.await(ctx, id)
	if err != nil {
		return nil, err
	}
	var history []types.HistoryMessage
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, err
	}
	return history, nil
}

func (c *client) clear(ctx context.Context) (types.ClearResult, error) {
	var res types.ClearResult
	id, err := c.write(ctx, controllers.EventClearConversation, c.conversation)
	if err != nil {
		return res, err
	}
	data, err := c.await(ctx, id)
	if err != nil {
		return res, err
	}
	err = json.Unmarshal(data, &res)
	return res, err
}
