package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"fieldcam/go-capture-node/internal/model"
)

func main() {
	brokerAddr := flag.String("broker", "tcp://localhost:1883", "MQTT broker address, e.g. tcp://localhost:1883")
	device := flag.String("device", "+", "Device identifier to watch, + for all")
	backlog := flag.Int("backlog", 50, "Warn when a device reports at least this many pending artifacts")

	flag.Parse()

	statusTopic := fmt.Sprintf("fieldcam/%s/status", *device)
	availabilityTopic := statusTopic + "/availability"

	clientID := "fieldcam-watch-" + uuid.NewString()[:8]
	opts := mqtt.NewClientOptions().AddBroker(*brokerAddr).SetClientID(clientID)
	opts = opts.SetOrderMatters(false).SetAutoReconnect(true)
	opts.OnConnect = func(c mqtt.Client) {
		handler := func(_ mqtt.Client, msg mqtt.Message) {
			line, err := describe(msg.Topic(), msg.Payload(), *backlog)
			if err != nil {
				log.Printf("ignoring %s: %v", msg.Topic(), err)
				return
			}
			log.Print(line)
		}
		for _, topic := range []string{statusTopic, availabilityTopic} {
			if token := c.Subscribe(topic, 1, handler); token.Wait() && token.Error() != nil {
				log.Printf("subscribe %s: %v", topic, token.Error())
			}
		}
	}

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Fatalf("failed to connect to broker: %v", token.Error())
	}
	log.Printf("connected to MQTT broker %s as %s, watching %s", *brokerAddr, clientID, statusTopic)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()
	log.Print("received shutdown signal, disconnecting")
	client.Disconnect(250)
}

// describe renders one retained status or availability message as a log line.
func describe(topic string, payload []byte, backlog int) (string, error) {
	device := deviceFromTopic(topic)
	if strings.HasSuffix(topic, "/availability") {
		return fmt.Sprintf("%s is %s", device, strings.TrimSpace(string(payload))), nil
	}

	var st model.Status
	if err := json.Unmarshal(payload, &st); err != nil {
		return "", fmt.Errorf("decode status: %w", err)
	}
	if st.DeviceID != "" {
		device = st.DeviceID
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s state=%s pending=%d", device, st.Phase, st.State, st.PendingCount)
	if !st.NextTransition.IsZero() {
		fmt.Fprintf(&b, " next=%s", st.NextTransition.UTC().Format(time.RFC3339))
	}
	if !st.LastDelivery.IsZero() {
		fmt.Fprintf(&b, " last_delivery=%s", st.LastDelivery.UTC().Format(time.RFC3339))
	}
	if st.LastError != "" {
		fmt.Fprintf(&b, " last_error=%q", st.LastError)
	}
	if backlog > 0 && st.PendingCount >= backlog {
		b.WriteString(" BACKLOG")
	}
	return b.String(), nil
}

func deviceFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) >= 2 {
		return parts[1]
	}
	return topic
}
