package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/uhyunpark/twsim/params"
	"github.com/uhyunpark/twsim/pkg/client"
	"github.com/uhyunpark/twsim/pkg/wire"
)

func main() {
	def := params.Default()
	addr := flag.String("addr", fmt.Sprintf("127.0.0.1:%d", def.Server.Port), "simulator address")
	user := flag.String("user", "demo", "username")
	pass := flag.String("pass", "demo", "password")
	clientID := flag.Int("client-id", 1, "API client id")
	symbol := flag.String("symbol", "AAPL", "stock to quote and trade")
	action := flag.String("action", "BUY", "BUY or SELL")
	qty := flag.Float64("qty", 100, "order quantity (0 skips the order)")
	wait := flag.Duration("wait", 3*time.Second, "how long to print events after the order")
	flag.Parse()

	if err := probe(*addr, *user, *pass, *clientID, strings.ToUpper(*symbol), strings.ToUpper(*action), *qty, *wait); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func probe(addr, user, pass string, clientID int, symbol, action string, qty float64, wait time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Step 1: Connect and negotiate
	fmt.Printf("Connecting to %s...\n", addr)
	conn, err := client.Dial(ctx, addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	p := params.Default().Protocol
	hello, err := conn.Handshake(p.MinVersion, p.MaxVersion, 5*time.Second)
	if err != nil {
		drain(conn)
		return fmt.Errorf("handshake: %w", err)
	}
	fmt.Printf("Server version %d, connection time %s\n\n", hello.Version, hello.ConnectionTime)

	// Step 2: Log in
	if err := conn.StartAPI(clientID, user, pass); err != nil {
		return err
	}
	ev, _, err := conn.WaitFor(5*time.Second, func(ev wire.Event) bool {
		show(ev)
		switch e := ev.(type) {
		case *wire.NextValidID:
			return true
		case *wire.ErrMsg:
			return e.Code == wire.CodeAuthFailed || e.Code == wire.CodeNotConnected
		}
		return false
	})
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	next, ok := ev.(*wire.NextValidID)
	if !ok {
		return errors.New("login refused")
	}

	// Step 3: Clock, contract and quote
	stock := wire.Contract{Symbol: symbol, SecType: "STK", Exchange: "SMART", Currency: "USD"}
	requests := []wire.Request{
		&wire.ReqCurrentTime{},
		&wire.ReqContractData{ReqID: 1, Contract: stock},
		&wire.ReqMktData{ReqID: 2, Contract: stock, Snapshot: true},
	}
	for _, req := range requests {
		if err := conn.Send(req); err != nil {
			return err
		}
	}
	if err := until(conn, 5*time.Second, func(ev wire.Event) bool {
		_, ok := ev.(*wire.TickSnapshotEnd)
		return ok
	}); err != nil {
		return fmt.Errorf("market data: %w", err)
	}

	// Step 4: Place an order and watch it
	if qty > 0 {
		fmt.Printf("\nPlacing order %d: %s %g %s MKT\n", next.OrderID, action, qty, symbol)
		if err := conn.Send(&wire.PlaceOrder{
			OrderID:   next.OrderID,
			Contract:  stock,
			Action:    wire.Action(action),
			TotalQty:  qty,
			OrderType: "MKT",
			TIF:       "DAY",
		}); err != nil {
			return err
		}
		if err := conn.Send(&wire.ReqPositions{}); err != nil {
			return err
		}
	}

	err = until(conn, wait, func(wire.Event) bool { return false })
	if errors.Is(err, client.ErrTimeout) {
		return nil
	}
	return err
}

// until prints events until match returns true or timeout passes.
func until(conn *client.Conn, timeout time.Duration, match func(wire.Event) bool) error {
	_, _, err := conn.WaitFor(timeout, func(ev wire.Event) bool {
		show(ev)
		return match(ev)
	})
	return err
}

// drain prints whatever the server sent before closing.
func drain(conn *client.Conn) {
	for {
		ev, err := conn.Next(time.Second)
		if err != nil {
			return
		}
		show(ev)
	}
}

func show(ev wire.Event) {
	switch e := ev.(type) {
	case *wire.ErrMsg:
		fmt.Printf("  ERR      id=%d code=%d %s\n", e.ReqID, e.Code, e.Message)
	default:
		fmt.Printf("  %-8d %T %+v\n", ev.MsgID(), ev, ev)
	}
}
