// Package contracts holds the ABI fragments for the on-chain contracts the
// keeper talks to. Only the surface the keeper consumes is declared here; the
// escrow's internal logic lives on chain.
package contracts

// EscrowABI covers the calls the keeper makes against a deployed escrow:
// readiness probe, status, countdown, and the execution entry point.
const EscrowABI = `[
  {
    "inputs": [],
    "name": "canExecute",
    "outputs": [{"internalType": "bool", "name": "", "type": "bool"}],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "inputs": [],
    "name": "run",
    "outputs": [],
    "stateMutability": "nonpayable",
    "type": "function"
  },
  {
    "inputs": [],
    "name": "status",
    "outputs": [{"internalType": "uint8", "name": "", "type": "uint8"}],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "inputs": [],
    "name": "getTimeUntilExecution",
    "outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
    "stateMutability": "view",
    "type": "function"
  }
]`
