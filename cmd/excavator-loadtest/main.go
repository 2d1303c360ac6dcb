// Command excavator-loadtest is a small CLI exerciser for the control
// channel, grounded on original_source/ExcavatorAPI/excavatorapi_tester_agent.py's
// sequential start/observe/stop/configure flow: connect once, fire a fixed
// script of actions at the server, and print every event as it arrives.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/gorilla/websocket"
)

func main() {
	addr := flag.String("addr", "ws://127.0.0.1:5432/ws", "control channel WebSocket URL")
	script := flag.String("script", "status", "script to run: status | mirroring | driving | configure")
	flag.Parse()

	conn, _, err := websocket.DefaultDialer.Dial(*addr, nil)
	if err != nil {
		log.Fatalf("dial %s: %v", *addr, err)
	}
	defer conn.Close()

	events := make(chan map[string]interface{}, 16)
	go func() {
		defer close(events)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var event map[string]interface{}
			if err := json.Unmarshal(data, &event); err != nil {
				log.Printf("malformed event: %v", err)
				continue
			}
			events <- event
		}
	}()

	await(events, 5*time.Second) // handshake

	switch *script {
	case "status":
		runStatusScript(conn, events)
	case "mirroring":
		runMirroringScript(conn, events)
	case "driving":
		runDrivingScript(conn, events)
	case "configure":
		runConfigureScript(conn, events)
	default:
		log.Fatalf("unknown script %q", *script)
	}
}

func send(conn *websocket.Conn, action map[string]interface{}) {
	data, err := json.Marshal(action)
	if err != nil {
		log.Fatalf("marshal action: %v", err)
	}
	log.Printf(">> %s", data)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Fatalf("send: %v", err)
	}
}

func await(events chan map[string]interface{}, timeout time.Duration) map[string]interface{} {
	select {
	case ev, ok := <-events:
		if !ok {
			log.Fatalf("connection closed while waiting for response")
		}
		log.Printf("<< %v", ev)
		return ev
	case <-time.After(timeout):
		log.Fatalf("timed out waiting for response")
		return nil
	}
}

func runStatusScript(conn *websocket.Conn, events chan map[string]interface{}) {
	for _, target := range []string{"coordinator", "pwm", "session", "orientation"} {
		send(conn, map[string]interface{}{"action": "status_" + target})
		await(events, 5*time.Second)
	}
}

func runMirroringScript(conn *websocket.Conn, events chan map[string]interface{}) {
	send(conn, map[string]interface{}{"action": "start_mirroring"})
	await(events, 10*time.Second)

	send(conn, map[string]interface{}{"action": "start_mirroring"})
	ev := await(events, 5*time.Second)
	if ev["event"] != "error" {
		log.Fatalf("expected the second start_mirroring to be rejected, got %v", ev)
	}

	time.Sleep(3 * time.Second)
	send(conn, map[string]interface{}{"action": "stop_mirroring"})
	await(events, 5*time.Second)
	fmt.Println("mirroring script complete")
}

func runDrivingScript(conn *websocket.Conn, events chan map[string]interface{}) {
	send(conn, map[string]interface{}{"action": "start_driving"})
	await(events, 10*time.Second)

	time.Sleep(3 * time.Second)
	send(conn, map[string]interface{}{"action": "stop_driving"})
	await(events, 5*time.Second)
	fmt.Println("driving script complete")
}

func runConfigureScript(conn *websocket.Conn, events chan map[string]interface{}) {
	send(conn, map[string]interface{}{"action": "get_pwm_controller_config"})
	cfgEvent := await(events, 5*time.Second)
	config, _ := cfgEvent["config"].(map[string]interface{})
	if config == nil {
		log.Fatalf("get_pwm_controller_config returned no config")
	}

	patch := map[string]interface{}{"pwmFrequencyHz": config["pwmFrequencyHz"]}
	send(conn, map[string]interface{}{"action": "configure_pwm_controller", "config": patch})
	await(events, 5*time.Second)
	fmt.Println("configure script complete")
}
