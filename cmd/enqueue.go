package cmd

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/otherjamesbrown/penf-transcribe/pkg/queue"
)

// Enqueue command flags
var (
	enqueueMeeting string
	enqueueFile    string
	enqueueTaskID  string
)

// NewEnqueueCommand creates the 'enqueue' command.
func NewEnqueueCommand(deps *Deps) *cobra.Command {
	deps = orDefault(deps)

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Publish a chunk task to the task queue",
		Long: `Publish one transcription task, as the orchestrator would.

The task id defaults to <meeting>-transcription-<unix nanos>. The file path is
sent as given; relative paths are resolved by the worker against audio.root.

Examples:
  penf-transcribe enqueue --meeting m-42 --file /data/m-42/chunk_0003.wav`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEnqueue(cmd, deps)
		},
	}

	cmd.Flags().StringVar(&enqueueMeeting, "meeting", "", "Meeting id (required)")
	cmd.Flags().StringVar(&enqueueFile, "file", "", "Path of the audio chunk (required)")
	cmd.Flags().StringVar(&enqueueTaskID, "task-id", "", "Task id (default: generated)")
	cmd.MarkFlagRequired("meeting")
	cmd.MarkFlagRequired("file")

	return cmd
}

func runEnqueue(cmd *cobra.Command, deps *Deps) error {
	ctx := cmd.Context()

	cfg, err := deps.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	logger := deps.NewLogger(cfg)

	var redisClient *redis.Client
	if usesRedis(cfg) {
		redisClient = deps.NewRedis(cfg)
		defer redisClient.Close()
	}
	broker, err := deps.NewBroker(cfg, redisClient)
	if err != nil {
		return err
	}

	task := queue.ChunkTask{
		FilePath:  enqueueFile,
		MeetingID: enqueueMeeting,
		TaskID:    enqueueTaskID,
	}
	if task.TaskID == "" {
		task.TaskID = queue.NewTaskID(task.MeetingID, deps.Now())
	}
	if err := task.Validate(); err != nil {
		return err
	}

	msg, err := queue.JSON(task)
	if err != nil {
		return err
	}
	msg.MessageID = uuid.NewString()
	msg.CorrelationID = task.TaskID

	publisher := queue.NewPublisher(broker, cfg.Broker.TaskQueue, logger)
	defer publisher.Close()
	if err := publisher.Publish(ctx, msg); err != nil {
		return fmt.Errorf("publishing task: %w", err)
	}

	fmt.Fprintf(deps.Out, "Enqueued %s on %s (message %s)\n", task.TaskID, cfg.Broker.TaskQueue, msg.MessageID)
	return nil
}
