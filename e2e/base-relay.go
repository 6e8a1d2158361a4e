package e2e

import (
	"encoding/json"
	"fmt"
	"talk-relay/infrastructure/wsserver"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/gookit/color"
	"github.com/stretchr/testify/suite"
	"github.com/valyala/fasthttp"
)

type BaseRelaySuite struct {
	suite.Suite
	Config Config
}

// SetupSuite loads the environment configuration before running tests
func (s *BaseRelaySuite) SetupSuite() {
	var err error
	s.Config, err = LoadConfig()
	s.Require().NoError(err)
	if s.Config.RelayAddr == "" {
		s.T().Skip("RELAY_ADDR is not set, skipping end-to-end suite")
	}
}

func (s *BaseRelaySuite) header(name string) {
	header := fmt.Sprintf("  ====== %s ======", name)
	if s.Config.Colours {
		header = color.New(color.BgBlack, color.FgGreen).Render(header)
	}
	s.T().Log(header)
}

// CreateRoom asks the relay for a fresh room id.
func (s *BaseRelaySuite) CreateRoom() string {
	s.header("Create room")
	status, body, err := fasthttp.Post(nil, "http://"+s.Config.RelayAddr+"/api/rooms", nil)
	s.Require().NoError(err)
	s.Require().Equal(fasthttp.StatusCreated, status)

	var resp struct {
		RoomID string `json:"roomId"`
	}
	s.Require().NoError(json.Unmarshal(body, &resp))
	s.Require().NotEmpty(resp.RoomID)
	return resp.RoomID
}

// Client is one participant connected to the relay.
type Client struct {
	suite     *BaseRelaySuite
	name      string
	conn      *websocket.Conn
	SessionID string
}

// Connect opens a WebSocket to the room and waits for the join confirmation.
func (s *BaseRelaySuite) Connect(name, room string) *Client {
	s.header(fmt.Sprintf("%s joins %s", name, room))
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+s.Config.RelayAddr+"/ws/"+room, nil)
	s.Require().NoError(err, "Failed to connect to relay at "+s.Config.RelayAddr)

	c := &Client{suite: s, name: name, conn: conn}
	joined := c.Read()
	s.Require().Equal(wsserver.TypeJoined, joined.Type)
	c.SessionID = joined.SessionID
	return c
}

func (c *Client) Press(keys ...string) {
	for _, key := range keys {
		msg := wsserver.ClientMessage{Type: wsserver.TypeKeyPress, Key: key}
		c.debug("SEND", msg)
		c.suite.Require().NoError(c.conn.WriteJSON(msg))
	}
}

func (c *Client) Read() wsserver.ServerMessage {
	c.suite.Require().NoError(c.conn.SetReadDeadline(time.Now().Add(5 * time.Second)))
	var msg wsserver.ServerMessage
	c.suite.Require().NoError(c.conn.ReadJSON(&msg))
	c.debug("RECV", msg)
	return msg
}

// ReadEvents reads n relayed events.
func (c *Client) ReadEvents(n int) []wsserver.EventMessage {
	events := make([]wsserver.EventMessage, 0, n)
	for len(events) < n {
		msg := c.Read()
		c.suite.Require().Equal(wsserver.TypeEvent, msg.Type)
		events = append(events, *msg.Event)
	}
	return events
}

func (c *Client) Close() {
	_ = c.conn.Close()
}

func (c *Client) debug(direction string, msg any) {
	if !c.suite.Config.DebugJSON {
		return
	}
	data, _ := json.MarshalIndent(msg, "", "  ")
	c.suite.T().Logf("%s %s:\n%s", c.name, direction, data)
}
