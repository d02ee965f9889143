package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/twmb/franz-go/pkg/kgo"

	"payment-orchestration-engine/internal/adapters/messaging/kafka"
	"payment-orchestration-engine/internal/core/messages"
)

func (a *admin) dlqCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and replay dead-lettered messages",
	}

	view := &cobra.Command{
		Use:   "view",
		Short: "Show messages in the DLQ",
		RunE: func(cmd *cobra.Command, _ []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			topic := a.cfg.Kafka.DLQTopic
			a.logger.Info("viewing dead-lettered messages", "topic", topic, "limit", limit)

			client, err := kgo.NewClient(
				kgo.SeedBrokers(a.brokers()...),
				kgo.ConsumeTopics(topic),
				kgo.FetchMaxWait(5*time.Second),
				kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
			)
			if err != nil {
				return fmt.Errorf("failed to create consumer: %w", err)
			}
			defer client.Close()

			codec := messages.NewCodec()
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PARTITION:OFFSET\tMESSAGE\tIDEMPOTENCY KEY\tERROR TYPE\tERROR")

			count := 0
			for count < limit {
				ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
				fetches := client.PollFetches(ctx)
				cancel()
				if fetches.IsClientClosed() || len(fetches.Records()) == 0 {
					break
				}
				fetches.EachRecord(func(r *kgo.Record) {
					if count >= limit {
						return
					}
					key := "N/A"
					if _, env, err := codec.Decode(r.Value); err == nil {
						key = env.IdempotencyKey
					}
					fmt.Fprintf(w, "%d:%d\t%s\t%s\t%s\t%s\n", r.Partition, r.Offset,
						kafka.Header(r.Headers, kafka.HeaderMessageName), key,
						kafka.Header(r.Headers, kafka.HeaderErrorType), kafka.Header(r.Headers, kafka.HeaderErrorString))
					count++
				})
			}
			return w.Flush()
		},
	}
	view.Flags().Int("limit", 10, "Number of messages to show")

	retry := &cobra.Command{
		Use:   "retry <partition:offset>",
		Short: "Send a dead-lettered message back to the topic it came from",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			partition, offset, err := parsePartitionOffset(args[0])
			if err != nil {
				return err
			}
			target, _ := cmd.Flags().GetString("target-topic")
			topic := a.cfg.Kafka.DLQTopic

			client, err := kgo.NewClient(
				kgo.SeedBrokers(a.brokers()...),
				kgo.ConsumePartitions(map[string]map[int32]kgo.Offset{
					topic: {partition: kgo.NewOffset().At(offset)},
				}),
			)
			if err != nil {
				return fmt.Errorf("failed to create client: %w", err)
			}
			defer client.Close()

			ctx, cancel := commandContext(cmd)
			defer cancel()
			fetches := client.PollFetches(ctx)
			if err := fetches.Err(); err != nil {
				return fmt.Errorf("failed to read message: %w", err)
			}
			records := fetches.Records()
			if len(records) == 0 || records[0].Offset != offset {
				return fmt.Errorf("no message at %d:%d", partition, offset)
			}

			rec := replayRecord(records[0], target)
			if rec.Topic == "N/A" {
				return fmt.Errorf("message has no original topic, pass --target-topic")
			}
			if err := client.ProduceSync(ctx, rec).FirstErr(); err != nil {
				return fmt.Errorf("failed to replay message: %w", err)
			}
			a.logger.Info("message replayed", "partition", partition, "offset", offset, "topic", rec.Topic)
			return nil
		},
	}
	retry.Flags().String("target-topic", "", "Replay to this topic instead of the original one")

	cmd.AddCommand(view, retry)
	return cmd
}

func (a *admin) brokers() []string {
	return strings.Split(a.cfg.Kafka.BootstrapServers, ",")
}

// parsePartitionOffset parses "partition:offset".
func parsePartitionOffset(arg string) (int32, int64, error) {
	p, o, ok := strings.Cut(arg, ":")
	if !ok {
		return 0, 0, fmt.Errorf("expected partition:offset, e.g. 0:123")
	}
	partition, err := strconv.ParseInt(p, 10, 32)
	if err != nil || partition < 0 {
		return 0, 0, fmt.Errorf("invalid partition %q", p)
	}
	offset, err := strconv.ParseInt(o, 10, 64)
	if err != nil || offset < 0 {
		return 0, 0, fmt.Errorf("invalid offset %q", o)
	}
	return int32(partition), offset, nil
}

// replayRecord strips the failure headers and targets the original topic
// unless target is set.
func replayRecord(r *kgo.Record, target string) *kgo.Record {
	if target == "" {
		target = kafka.Header(r.Headers, kafka.HeaderOriginalTopic)
	}
	var headers []kgo.RecordHeader
	for _, h := range r.Headers {
		switch h.Key {
		case kafka.HeaderErrorType, kafka.HeaderErrorString, kafka.HeaderOriginalTopic:
			continue
		}
		headers = append(headers, h)
	}
	return &kgo.Record{
		Topic:   target,
		Key:     r.Key,
		Value:   r.Value,
		Headers: headers,
	}
}
