package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/rjcorwin/mew-gateway/internal/capability"
	"github.com/rjcorwin/mew-gateway/internal/config"
	"github.com/rjcorwin/mew-gateway/internal/envelope"
	"github.com/rjcorwin/mew-gateway/internal/gateway"
	"github.com/rjcorwin/mew-gateway/internal/stream"
	"github.com/rjcorwin/mew-gateway/public/client"
)

const descriptor = `
space:
  id: demo
  name: Space Demo
participants:
  alice:
    tokens: ["alice-token"]
    capabilities:
      - kind: "*"
  calculator:
    tokens: ["calc-token"]
    capabilities:
      - kind: "chat"
      - kind: "mcp/response"
      - kind: "stream/*"
`

const addr = "127.0.0.1:9180"

func main() {
	fmt.Println("╔═══════════════════════════════════════════════╗")
	fmt.Println("║   MEW Gateway Space Demo                      ║")
	fmt.Print("╚═══════════════════════════════════════════════╝\n\n")

	// Start the gateway in-process
	fmt.Println("🔧 Starting gateway...")
	cfg, err := config.Parse([]byte(descriptor))
	if err != nil {
		log.Fatalf("Failed to parse descriptor: %v", err)
	}
	srv, err := gateway.NewServer(cfg, gateway.Options{
		Addr:    addr,
		DataDir: "/tmp/mew-space-demo",
	})
	if err != nil {
		log.Fatalf("Failed to create gateway: %v", err)
	}
	httpSrv := &http.Server{Addr: addr, Handler: srv.Handler()}
	go func() {
		if err := httpSrv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("Gateway stopped: %v", err)
		}
	}()
	defer func() {
		fmt.Println("\n🔧 Shutting down gateway...")
		httpSrv.Shutdown(context.Background())
		srv.Space().Close()
		fmt.Println("✅ Gateway shutdown complete")
	}()
	time.Sleep(200 * time.Millisecond)
	fmt.Print("✅ Gateway listening on ", addr, " \n\n")

	// Connect two participants
	fmt.Println("🔌 Connecting participants...")
	alice := dial("alice-token")
	defer alice.Close()
	calc := dial("calc-token")
	defer calc.Close()
	fmt.Printf("   ✅ Connected as %s and %s\n\n", alice.ID(), calc.ID())

	demonstrateChat(alice, calc)
	demonstrateToolCall(alice, calc)
	demonstrateGrant(alice)
	demonstrateStream(alice, calc)
}

func dial(token string) *client.Client {
	c, err := client.Dial(context.Background(), client.Options{
		URL:   "ws://" + addr + "/spaces/demo",
		Token: token,
	})
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	return c
}

func demonstrateChat(alice, calc *client.Client) {
	fmt.Println("💬 Chat Demo")
	fmt.Print("─────────────────────────────────────────────\n\n")

	received := make(chan string, 1)
	calc.OnEnvelope(func(env *envelope.Envelope) {
		if env.Kind == envelope.KindChat {
			var p struct {
				Text string `json:"text"`
			}
			env.UnmarshalPayload(&p)
			received <- fmt.Sprintf("%s: %s", env.From, p.Text)
		}
	})

	fmt.Println("1. Alice broadcasts a chat message...")
	if err := alice.Chat("hello, space!"); err != nil {
		log.Printf("   ⚠️  Error: %v", err)
		return
	}

	select {
	case msg := <-received:
		fmt.Printf("   📩 Calculator received: %q\n", msg)
	case <-time.After(2 * time.Second):
		fmt.Println("   ⚠️  No message arrived")
	}
	fmt.Println("")
}

func demonstrateToolCall(alice, calc *client.Client) {
	fmt.Println("🛠  Tool Call Demo")
	fmt.Print("─────────────────────────────────────────────\n\n")

	fmt.Println("1. Calculator registers an 'add' tool...")
	calc.RegisterTool("add", func(args json.RawMessage) (interface{}, error) {
		var in struct {
			A, B float64
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, err
		}
		return map[string]float64{"sum": in.A + in.B}, nil
	})
	fmt.Println("   ✅ Tool registered")

	fmt.Println("\n2. Alice calls add(2, 3)...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := alice.Request(ctx, calc.ID(), "tools/call", map[string]interface{}{
		"name":      "add",
		"arguments": map[string]float64{"a": 2, "b": 3},
	})
	if err != nil {
		log.Printf("   ⚠️  Error: %v", err)
		return
	}
	fmt.Printf("   ✅ Result: %s\n\n", result)
}

func demonstrateGrant(alice *client.Client) {
	fmt.Println("🔑 Capability Grant Demo")
	fmt.Print("─────────────────────────────────────────────\n\n")

	fmt.Println("1. Alice grants the calculator mcp/request access...")
	grantID, err := alice.GrantCapabilities("calculator",
		[]capability.Capability{{Kind: "mcp/request"}}, "demo upgrade")
	if err != nil {
		log.Printf("   ⚠️  Error: %v", err)
		return
	}
	fmt.Printf("   ✅ Granted (grant id %s)\n", grantID)

	fmt.Println("\n2. Revoking it again...")
	if err := alice.RevokeCapabilities("calculator", grantID); err != nil {
		log.Printf("   ⚠️  Error: %v", err)
		return
	}
	fmt.Print("   ✅ Revoked\n\n")
}

func demonstrateStream(alice, calc *client.Client) {
	fmt.Println("📡 Stream Demo")
	fmt.Print("─────────────────────────────────────────────\n\n")

	frames := make(chan string, 4)
	calc.OnFrame(func(streamID string, data []byte) {
		frames <- string(data)
	})

	fmt.Println("1. Alice opens an upload stream to the calculator...")
	s, err := alice.RequestStream(stream.Upload, "demo feed", calc.ID())
	if err != nil {
		log.Printf("   ⚠️  Error: %v", err)
		return
	}
	fmt.Printf("   ✅ Stream %s open\n", s.ID)

	fmt.Println("\n2. Sending three frames...")
	for i := 1; i <= 3; i++ {
		if err := alice.SendFrame(s.ID, []byte(fmt.Sprintf("frame %d", i))); err != nil {
			log.Printf("   ⚠️  Error: %v", err)
			return
		}
	}
	for i := 0; i < 3; i++ {
		select {
		case f := <-frames:
			fmt.Printf("   📩 Received %q\n", f)
		case <-time.After(2 * time.Second):
			fmt.Println("   ⚠️  Frame never arrived")
			return
		}
	}

	fmt.Println("\n3. Closing the stream...")
	if err := alice.CloseStream(s.ID, "done"); err != nil {
		log.Printf("   ⚠️  Error: %v", err)
		return
	}
	fmt.Println("   ✅ Stream closed")
}
