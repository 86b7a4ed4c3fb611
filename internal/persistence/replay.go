package persistence

import (
	"encoding/json"
	"fmt"

	"VenueLedger/internal/command"
)

// DecodeCommand reconstructs a command from its logged type and JSON payload.
// Replay feeds decoded commands back through the core; batch commands appear
// once per applied item in the log but dedup collapses the repeats.
func DecodeCommand(commandType string, payload []byte) (command.Command, error) {
	var cmd command.Command

	switch commandType {
	case "Topup":
		cmd = &command.Topup{}
	case "TopupSystem":
		cmd = &command.TopupSystem{}
	case "Withdraw":
		cmd = &command.Withdraw{}
	case "CreateEvent":
		cmd = &command.CreateEvent{}
	case "ResolveInitialPool":
		cmd = &command.ResolveInitialPool{}
	case "ResolveEvent":
		cmd = &command.ResolveEvent{}
	case "BuyPosition":
		cmd = &command.BuyPosition{}
	case "SellPosition":
		cmd = &command.SellPosition{}
	case "OpenLeveraged":
		cmd = &command.OpenLeveraged{}
	case "CloseLeveraged":
		cmd = &command.CloseLeveraged{}
	case "SetLeveraged":
		cmd = &command.SetLeveraged{}
	case "OpenBatch":
		cmd = &command.OpenBatch{}
	case "CloseBatch":
		cmd = &command.CloseBatch{}
	default:
		return nil, fmt.Errorf("unknown command type %q", commandType)
	}

	if err := json.Unmarshal(payload, cmd); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", commandType, err)
	}

	return cmd, nil
}
