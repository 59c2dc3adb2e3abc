// telemetry-sim publishes RFID, vitals and temperature test messages to the
// broker replicad ingests from.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand/v2"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nerrad567/replica-core/internal/infrastructure/config"
	"github.com/nerrad567/replica-core/internal/infrastructure/mqtt"
)

// simConfig holds the command line settings shared by every subcommand.
type simConfig struct {
	MQTT     config.MQTTConfig
	Root     string
	Count    int
	Interval time.Duration
	Retain   bool
}

// message is one publication.
type message struct {
	Topic   string
	Payload []byte
}

// publisher is the subset of *mqtt.Client the simulator uses.
type publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		log.Fatal(err)
	}
}

func newRootCmd() *cobra.Command {
	sc := simConfig{}

	rootCmd := &cobra.Command{
		Use:          "telemetry-sim",
		Short:        "telemetry-sim publishes test telemetry for replicad",
		SilenceUsage: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&sc.MQTT.Broker.Host, "host", "H", "localhost", "MQTT broker host")
	flags.IntVarP(&sc.MQTT.Broker.Port, "port", "p", 1883, "MQTT broker port")
	flags.BoolVar(&sc.MQTT.Broker.TLS, "tls", false, "Use TLS")
	flags.StringVar(&sc.MQTT.Broker.ClientID, "client-id", "telemetry-sim", "MQTT client id")
	flags.StringVarP(&sc.MQTT.Auth.Username, "username", "u", "", "MQTT username")
	flags.StringVar(&sc.MQTT.Auth.Password, "password", "", "MQTT password")
	flags.IntVarP(&sc.MQTT.QoS, "qos", "q", 0, "QoS for published messages, values 0 1 2")
	flags.StringVarP(&sc.Root, "root", "r", "hospital", "Topic root")
	flags.IntVarP(&sc.Count, "count", "n", 1, "Number of messages to publish")
	flags.DurationVarP(&sc.Interval, "interval", "i", time.Second, "Delay between messages")
	flags.BoolVar(&sc.Retain, "retain", false, "Retain messages")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "rfid <floor> <room> <rfid_tag>",
			Short: "Publish badge reads for a room",
			Args:  cobra.ExactArgs(3),
			RunE: func(cmd *cobra.Command, args []string) error {
				floor, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("floor must be an integer: %w", err)
				}
				msg, err := rfidMessage(sc.Root, floor, args[1], args[2])
				if err != nil {
					return err
				}
				return run(cmd.Context(), sc, func(int) message { return msg })
			},
		},
		&cobra.Command{
			Use:   "vitals <patient_id> <vital> <base_value>",
			Short: "Publish vital sign readings around a base value",
			Args:  cobra.ExactArgs(3),
			RunE: func(cmd *cobra.Command, args []string) error {
				base, err := strconv.ParseFloat(args[2], 64)
				if err != nil {
					return fmt.Errorf("base value must be a number: %w", err)
				}
				return run(cmd.Context(), sc, func(int) message {
					return vitalsMessage(sc.Root, args[0], args[1], jitter(base))
				})
			},
		},
		&cobra.Command{
			Use:   "temperature <floor> <room> <base_celsius>",
			Short: "Publish room temperature readings around a base value",
			Args:  cobra.ExactArgs(3),
			RunE: func(cmd *cobra.Command, args []string) error {
				floor, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("floor must be an integer: %w", err)
				}
				base, err := strconv.ParseFloat(args[2], 64)
				if err != nil {
					return fmt.Errorf("base temperature must be a number: %w", err)
				}
				return run(cmd.Context(), sc, func(int) message {
					return temperatureMessage(sc.Root, floor, args[1], jitter(base))
				})
			},
		},
	)

	return rootCmd
}

// run connects, publishes sc.Count messages built by next and disconnects.
func run(ctx context.Context, sc simConfig, next func(i int) message) error {
	if sc.MQTT.QoS < 0 || sc.MQTT.QoS > 2 {
		return fmt.Errorf("qos must be 0, 1, or 2")
	}
	client, err := mqtt.Connect(sc.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to %s:%d: %w", sc.MQTT.Broker.Host, sc.MQTT.Broker.Port, err)
	}
	defer client.Close() //nolint:errcheck // best-effort disconnect on exit

	return publishAll(ctx, client, sc, next)
}

// publishAll publishes sc.Count messages, sc.Interval apart.
func publishAll(ctx context.Context, pub publisher, sc simConfig, next func(i int) message) error {
	for i := range sc.Count {
		if i > 0 && sc.Interval > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(sc.Interval):
			}
		}
		msg := next(i)
		if err := pub.Publish(msg.Topic, msg.Payload, byte(sc.MQTT.QoS), sc.Retain); err != nil { //nolint:gosec // validated to 0..2
			return fmt.Errorf("publishing to %s: %w", msg.Topic, err)
		}
		log.Printf("published %s %s", msg.Topic, msg.Payload)
	}
	return nil
}

func rfidMessage(root string, floor int, room, tag string) (message, error) {
	payload, err := json.Marshal(map[string]string{"rfid_tag": tag})
	if err != nil {
		return message{}, err
	}
	topics := mqtt.Topics{Root: root}
	return message{Topic: topics.RFID(strconv.Itoa(floor), room), Payload: payload}, nil
}

func vitalsMessage(root, patientID, vital string, value float64) message {
	topics := mqtt.Topics{Root: root}
	return message{
		Topic:   topics.Vitals(patientID, vital),
		Payload: []byte(strconv.FormatFloat(value, 'f', 1, 64)),
	}
}

func temperatureMessage(root string, floor int, room string, value float64) message {
	topics := mqtt.Topics{Root: root}
	return message{
		Topic:   topics.Temperature(strconv.Itoa(floor), room),
		Payload: []byte(strconv.FormatFloat(value, 'f', 2, 64)),
	}
}

// jitter returns base moved by up to 2% either way.
func jitter(base float64) float64 {
	return base * (1 + (rand.Float64()-0.5)*0.04) //nolint:gosec // test data
}
