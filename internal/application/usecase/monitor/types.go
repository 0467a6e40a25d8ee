package monitor

import "fundarb/internal/application/port"

type FundingFeed = port.FundingFeed

type Repository = port.FundingRepository
