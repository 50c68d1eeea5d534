package ledger

// escrowABI is the subset of the escrow contract the engine calls
const escrowABI = `[
  {"type":"function","name":"createCampaign","stateMutability":"nonpayable",
   "inputs":[{"name":"goal","type":"uint256"},{"name":"durationDays","type":"uint256"},
             {"name":"milestoneDescriptions","type":"string[]"},{"name":"milestoneAmounts","type":"uint256[]"}],
   "outputs":[]},
  {"type":"function","name":"donate","stateMutability":"payable",
   "inputs":[{"name":"campaignId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"requestMilestoneVerification","stateMutability":"nonpayable",
   "inputs":[{"name":"campaignId","type":"uint256"},{"name":"milestoneIndex","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"approveMilestone","stateMutability":"nonpayable",
   "inputs":[{"name":"campaignId","type":"uint256"},{"name":"milestoneIndex","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"getCampaign","stateMutability":"view",
   "inputs":[{"name":"campaignId","type":"uint256"}],
   "outputs":[{"name":"creator","type":"address"},{"name":"goal","type":"uint256"},
              {"name":"raised","type":"uint256"},{"name":"active","type":"bool"}]},
  {"type":"function","name":"campaignCounter","stateMutability":"view",
   "inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"getMilestoneVerificationStatus","stateMutability":"view",
   "inputs":[{"name":"campaignId","type":"uint256"},{"name":"milestoneIndex","type":"uint256"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"type":"event","name":"CampaignCreated","anonymous":false,
   "inputs":[{"name":"campaignId","type":"uint256","indexed":true},{"name":"creator","type":"address","indexed":true},
             {"name":"goal","type":"uint256","indexed":false}]},
  {"type":"event","name":"DonationReceived","anonymous":false,
   "inputs":[{"name":"campaignId","type":"uint256","indexed":true},{"name":"donor","type":"address","indexed":true},
             {"name":"amount","type":"uint256","indexed":false}]},
  {"type":"event","name":"MilestoneApproved","anonymous":false,
   "inputs":[{"name":"campaignId","type":"uint256","indexed":true},{"name":"milestoneIndex","type":"uint256","indexed":false}]}
]`
