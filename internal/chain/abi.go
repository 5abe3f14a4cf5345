package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Minimal ABIs — only the functions and events the orchestrator touches.

const factoryABIJSON = `[
  {"type":"function","name":"openPaymentChannels","stateMutability":"nonpayable",
   "inputs":[{"name":"_requestId","type":"uint256"},{"name":"_timeout","type":"uint256"}],
   "outputs":[{"name":"channelIds","type":"bytes32[]"}]},
  {"type":"function","name":"recordOffChainPayment","stateMutability":"nonpayable",
   "inputs":[{"name":"_requestId","type":"uint256"},{"name":"_agent","type":"address"},
             {"name":"_amount","type":"uint256"},{"name":"_channelId","type":"bytes32"},
             {"name":"_nonce","type":"uint256"}],
   "outputs":[]},
  {"type":"function","name":"getRequest","stateMutability":"view",
   "inputs":[{"name":"_requestId","type":"uint256"}],
   "outputs":[{"name":"user","type":"address"},{"name":"prompt","type":"string"},
              {"name":"isComplete","type":"bool"},{"name":"amountPaid","type":"uint256"},
              {"name":"channelsOpened","type":"bool"}]},
  {"type":"function","name":"getRequestChannels","stateMutability":"view",
   "inputs":[{"name":"_requestId","type":"uint256"}],
   "outputs":[{"name":"","type":"bytes32[]"}]},
  {"type":"event","name":"VideoRequested","anonymous":false,
   "inputs":[{"name":"requestId","type":"uint256","indexed":true},
             {"name":"user","type":"address","indexed":true},
             {"name":"prompt","type":"string","indexed":false},
             {"name":"amountPaid","type":"uint256","indexed":false}]},
  {"type":"event","name":"PaymentChannelsOpened","anonymous":false,
   "inputs":[{"name":"requestId","type":"uint256","indexed":true},
             {"name":"channelIds","type":"bytes32[]","indexed":false},
             {"name":"totalAmount","type":"uint256","indexed":false}]},
  {"type":"event","name":"OffChainPaymentSigned","anonymous":false,
   "inputs":[{"name":"requestId","type":"uint256","indexed":true},
             {"name":"agent","type":"address","indexed":true},
             {"name":"amount","type":"uint256","indexed":false},
             {"name":"channelId","type":"bytes32","indexed":false},
             {"name":"nonce","type":"uint256","indexed":false}]}
]`

const channelABIJSON = `[
  {"type":"function","name":"closeChannel","stateMutability":"nonpayable",
   "inputs":[{"name":"_channelId","type":"bytes32"},{"name":"_amount","type":"uint256"},
             {"name":"_nonce","type":"uint256"},{"name":"_signature","type":"bytes"}],
   "outputs":[]},
  {"type":"function","name":"emergencyClose","stateMutability":"nonpayable",
   "inputs":[{"name":"_channelId","type":"bytes32"}],
   "outputs":[]},
  {"type":"function","name":"verifySignature","stateMutability":"view",
   "inputs":[{"name":"_channelId","type":"bytes32"},{"name":"_amount","type":"uint256"},
             {"name":"_nonce","type":"uint256"},{"name":"_signature","type":"bytes"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"getChannel","stateMutability":"view",
   "inputs":[{"name":"_channelId","type":"bytes32"}],
   "outputs":[{"name":"requestId","type":"uint256"},{"name":"payer","type":"address"},
              {"name":"payee","type":"address"},{"name":"totalDeposit","type":"uint256"},
              {"name":"withdrawn","type":"uint256"},{"name":"nonce","type":"uint256"},
              {"name":"isOpen","type":"bool"},{"name":"openedAt","type":"uint256"},
              {"name":"timeout","type":"uint256"}]},
  {"type":"function","name":"getChannelId","stateMutability":"view",
   "inputs":[{"name":"_requestId","type":"uint256"},{"name":"_agent","type":"address"}],
   "outputs":[{"name":"","type":"bytes32"}]},
  {"type":"event","name":"ChannelClosed","anonymous":false,
   "inputs":[{"name":"channelId","type":"bytes32","indexed":true},
             {"name":"requestId","type":"uint256","indexed":true},
             {"name":"payee","type":"address","indexed":true},
             {"name":"finalAmount","type":"uint256","indexed":false},
             {"name":"refunded","type":"uint256","indexed":false}]}
]`

var (
	factoryABI = mustParseABI(factoryABIJSON)
	channelABI = mustParseABI(channelABIJSON)
)

func mustParseABI(src string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(src))
	if err != nil {
		panic(err)
	}
	return parsed
}
