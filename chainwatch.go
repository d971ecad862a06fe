package tipstream

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"
)

// tippingABI covers the three contract events the bridge republishes.
const tippingABI = `[
  {"type":"event","name":"TipSent","inputs":[
    {"name":"tipId","type":"uint256","indexed":true},
    {"name":"from","type":"address","indexed":true},
    {"name":"to","type":"address","indexed":true},
    {"name":"fromUsername","type":"string","indexed":false},
    {"name":"toUsername","type":"string","indexed":false},
    {"name":"amount","type":"uint256","indexed":false},
    {"name":"message","type":"string","indexed":false}]},
  {"type":"event","name":"ProfileCreated","inputs":[
    {"name":"user","type":"address","indexed":true},
    {"name":"username","type":"string","indexed":false}]},
  {"type":"event","name":"ProfileUpdated","inputs":[
    {"name":"user","type":"address","indexed":true},
    {"name":"username","type":"string","indexed":false},
    {"name":"isActive","type":"bool","indexed":false}]}
]`

var chainEventNames = map[ChainLogKind]string{
	ChainLogTipSent:        "TipSent",
	ChainLogProfileCreated: "ProfileCreated",
	ChainLogProfileUpdated: "ProfileUpdated",
}

// EthLogWatcher implements LogWatcher over an Ethereum JSON-RPC endpoint with
// subscription support (websocket endpoints only; filter subscriptions don't
// work over plain HTTP).
type EthLogWatcher struct {
	client   *ethclient.Client
	contract common.Address
	abi      abi.ABI
}

func NewEthLogWatcher(rpcURL string, contract string) (*EthLogWatcher, error) {
	parsed, err := abi.JSON(strings.NewReader(tippingABI))
	if err != nil {
		return nil, fmt.Errorf("parsing tipping ABI: %w", err)
	}
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", rpcURL, err)
	}
	return &EthLogWatcher{
		client:   client,
		contract: common.HexToAddress(contract),
		abi:      parsed,
	}, nil
}

// Watch subscribes to one event kind on the contract and streams decoded logs
// until the returned cancel func runs.
func (w *EthLogWatcher) Watch(kind ChainLogKind, onLog func(ChainLog), onErr func(error)) (func(), error) {
	name, ok := chainEventNames[kind]
	if !ok {
		return nil, fmt.Errorf("unknown chain log kind %q", kind)
	}
	event := w.abi.Events[name]

	query := ethereum.FilterQuery{
		Addresses: []common.Address{w.contract},
		Topics:    [][]common.Hash{{event.ID}},
	}
	logs := make(chan types.Log, 64)
	sub, err := w.client.SubscribeFilterLogs(context.Background(), query, logs)
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s logs: %w", name, err)
	}

	go func() {
		for {
			select {
			case err := <-sub.Err():
				if err != nil {
					onErr(err)
				}
				return
			case l := <-logs:
				if l.Removed {
					// Reorged out; the canonical log will arrive again.
					continue
				}
				decoded, err := w.decode(kind, l)
				if err != nil {
					logrus.Warnf("undecodable %s log in tx %s: %v", name, l.TxHash.Hex(), err)
					continue
				}
				onLog(decoded)
			}
		}
	}()
	return sub.Unsubscribe, nil
}

func (w *EthLogWatcher) decode(kind ChainLogKind, l types.Log) (ChainLog, error) {
	name := chainEventNames[kind]
	values, err := w.abi.Unpack(name, l.Data)
	if err != nil {
		return ChainLog{}, err
	}
	out := ChainLog{Kind: kind, TxHash: l.TxHash.Hex()}

	switch kind {
	case ChainLogTipSent:
		if len(l.Topics) < 4 || len(values) < 4 {
			return ChainLog{}, fmt.Errorf("short TipSent log")
		}
		amount, ok := values[2].(*big.Int)
		if !ok {
			return ChainLog{}, fmt.Errorf("unexpected amount type %T", values[2])
		}
		out.Tip = &TipLog{
			TipID:        new(big.Int).SetBytes(l.Topics[1].Bytes()).Uint64(),
			From:         common.BytesToAddress(l.Topics[2].Bytes()).Hex(),
			To:           common.BytesToAddress(l.Topics[3].Bytes()).Hex(),
			FromUsername: values[0].(string),
			ToUsername:   values[1].(string),
			Amount:       amount,
			Message:      values[3].(string),
		}
	case ChainLogProfileCreated:
		if len(l.Topics) < 2 || len(values) < 1 {
			return ChainLog{}, fmt.Errorf("short ProfileCreated log")
		}
		out.Profile = &ProfileLog{
			UserAddress: common.BytesToAddress(l.Topics[1].Bytes()).Hex(),
			Username:    values[0].(string),
		}
	case ChainLogProfileUpdated:
		if len(l.Topics) < 2 || len(values) < 2 {
			return ChainLog{}, fmt.Errorf("short ProfileUpdated log")
		}
		isActive, ok := values[1].(bool)
		if !ok {
			return ChainLog{}, fmt.Errorf("unexpected isActive type %T", values[1])
		}
		out.Profile = &ProfileLog{
			UserAddress: common.BytesToAddress(l.Topics[1].Bytes()).Hex(),
			Username:    values[0].(string),
			IsActive:    &isActive,
		}
	}
	return out, nil
}

// Close releases the underlying RPC client.
func (w *EthLogWatcher) Close() {
	w.client.Close()
}
