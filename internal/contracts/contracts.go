// Package contracts holds the ABI definitions for the on-chain escrow
// contracts. Milestone descriptions live only in the off-chain mirror;
// the chain carries amounts and deadlines.
package contracts

// EngagementFactoryABI is the ABI of the factory that deploys one escrow
// contract per accepted bid.
const EngagementFactoryABI = `[
  {
    "type": "function",
    "name": "createContract",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "freelancer", "type": "address"},
      {"name": "amounts", "type": "uint256[]"},
      {"name": "deadlines", "type": "uint256[]"},
      {"name": "totalAmount", "type": "uint256"}
    ],
    "outputs": []
  },
  {
    "type": "event",
    "name": "ContractCreated",
    "anonymous": false,
    "inputs": [
      {"name": "contractAddress", "type": "address", "indexed": true},
      {"name": "client", "type": "address", "indexed": true},
      {"name": "freelancer", "type": "address", "indexed": true}
    ]
  }
]`

// EngagementABI is the ABI of a single deployed engagement contract.
const EngagementABI = `[
  {
    "type": "function",
    "name": "fundMilestone",
    "stateMutability": "payable",
    "inputs": [{"name": "index", "type": "uint256"}],
    "outputs": []
  },
  {
    "type": "function",
    "name": "releaseMilestone",
    "stateMutability": "nonpayable",
    "inputs": [{"name": "index", "type": "uint256"}],
    "outputs": []
  },
  {
    "type": "function",
    "name": "milestoneState",
    "stateMutability": "view",
    "inputs": [{"name": "index", "type": "uint256"}],
    "outputs": [{"name": "", "type": "uint8"}]
  },
  {
    "type": "event",
    "name": "MilestoneFunded",
    "anonymous": false,
    "inputs": [
      {"name": "index", "type": "uint256", "indexed": true},
      {"name": "amount", "type": "uint256", "indexed": false}
    ]
  },
  {
    "type": "event",
    "name": "MilestoneReleased",
    "anonymous": false,
    "inputs": [{"name": "index", "type": "uint256", "indexed": true}]
  }
]`
