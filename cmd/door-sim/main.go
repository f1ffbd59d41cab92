package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// uplinkEnvelope mimics the ChirpStack v4 uplink event shape the relay
// subscribes to.
type uplinkEnvelope struct {
	DeviceInfo deviceInfo `json:"deviceInfo"`
	Data       string     `json:"data"`
	FPort      int        `json:"fPort"`
}

type deviceInfo struct {
	DeviceName string `json:"deviceName"`
	DevEui     string `json:"devEui"`
}

func main() {
	brokerAddr := flag.String("broker", "tcp://localhost:1883", "MQTT broker address, e.g. tcp://localhost:1883")
	appID := flag.String("app-id", "1", "Application identifier used in the topic")
	devEui := flag.String("dev-eui", "70b3d57ed0063f21", "Device EUI (16 hex digits)")
	deviceName := flag.String("device-name", "el_communicator", "Device name carried in the payload")
	interval := flag.Duration("interval", 5*time.Second, "Interval between published uplinks")

	flag.Parse()

	clientID := fmt.Sprintf("door-sim-%d", time.Now().UnixNano())
	opts := mqtt.NewClientOptions().AddBroker(*brokerAddr).SetClientID(clientID)
	opts = opts.SetOrderMatters(false)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Fatalf("failed to connect to broker: %v", token.Error())
	}
	log.Printf("connected to MQTT broker %s as %s", *brokerAddr, clientID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	topic := fmt.Sprintf("application/%s/device/%s/event/up", *appID, *devEui)
	start := time.Now()
	open := false

	publish := func() {
		open = !open
		state := "door_closed"
		if open {
			state = "door_opened"
		}

		// The real sensor reports its uptime counter, not wall-clock time.
		body := fmt.Sprintf(`{"type":"event","status":%q,"timestamp":%d}`, state, time.Since(start).Milliseconds())

		envelope := uplinkEnvelope{
			DeviceInfo: deviceInfo{DeviceName: *deviceName, DevEui: *devEui},
			Data:       base64.StdEncoding.EncodeToString([]byte(body)),
			FPort:      1,
		}

		data, err := json.Marshal(envelope)
		if err != nil {
			log.Printf("failed to encode payload: %v", err)
			return
		}

		token := client.Publish(topic, 0, false, data)
		if token.Wait() && token.Error() != nil {
			log.Printf("publish failed: %v", token.Error())
			return
		}
		log.Printf("published %s to %s", state, topic)
	}

	publish()
	for {
		select {
		case <-ctx.Done():
			log.Println("shutting down simulator")
			client.Disconnect(250)
			return
		case <-ticker.C:
			publish()
		}
	}
}
