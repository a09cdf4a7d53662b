package retry

import logging "github.com/ipfs/go-log/v2"

var log = logging.Logger("swr/retry")
