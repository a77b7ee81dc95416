package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/arcfield/parley/internal/config"
	"github.com/arcfield/parley/internal/domain"
	"github.com/arcfield/parley/internal/orchestrator"
)

// consoleSink prints streamed frames to the terminal: chunks inline,
// tool activity and errors as annotations.
type consoleSink struct{}

func (consoleSink) Send(frame orchestrator.Frame) error {
	switch frame.Type {
	case orchestrator.FrameChunk:
		if text, ok := frame.Data.(string); ok {
			fmt.Print(text)
		}
	case orchestrator.FrameConversationID:
		fmt.Fprintf(os.Stderr, "conversation: %v\n", frame.Data)
	case orchestrator.FrameToolCall:
		if call, ok := frame.Data.(domain.ToolCall); ok {
			fmt.Fprintf(os.Stderr, "[tool call: %s]\n", call.Name)
		}
	case orchestrator.FrameToolResult:
		if call, ok := frame.Data.(domain.ToolCall); ok {
			fmt.Fprintf(os.Stderr, "[tool %s: %s]\n", call.Name, call.Status)
		}
	case orchestrator.FrameSuggestions:
		if suggestions, ok := frame.Data.([]string); ok {
			fmt.Fprintf(os.Stderr, "\nsuggested: %s\n", strings.Join(suggestions, " | "))
		}
	case orchestrator.FrameError:
		if data, ok := frame.Data.(orchestrator.ErrorData); ok {
			fmt.Fprintf(os.Stderr, "\nerror %d: %s\n", data.Code, data.Message)
		}
	case orchestrator.FrameDone:
		fmt.Println()
	}
	return nil
}

func newChatCmd() *cobra.Command {
	var (
		agentID        string
		conversationID string
		principal      string
		noSave         bool
	)

	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Run one conversation turn from the terminal",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			eng, err := buildEngine(cfg)
			if err != nil {
				return err
			}
			defer eng.close()

			req := domain.TurnRequest{
				ConversationID: conversationID,
				AgentID:        agentID,
				Principal:      principal,
				Save:           !noSave,
				Messages: []domain.Message{
					{Role: domain.RoleUser, Content: strings.Join(args, " ")},
				},
			}
			_, err = eng.orch.RunTurn(cmd.Context(), req, consoleSink{})
			return err
		},
	}

	cmd.Flags().StringVar(&agentID, "agent", "", "agent ID to converse with")
	cmd.Flags().StringVar(&conversationID, "conversation", "", "continue an existing conversation")
	cmd.Flags().StringVar(&principal, "principal", "", "principal the turn is billed to")
	cmd.Flags().BoolVar(&noSave, "no-save", false, "do not persist the exchange")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}
