package snowflake

import (
	"errors"
	"fmt"
	"sync"

	"github.com/bwmarrin/snowflake"
)

// 10 位节点号：高 5 位数据中心，低 5 位机器
const (
	machineBits = 5
	maxNodePart = 1<<machineBits - 1
)

var (
	node     *snowflake.Node
	initOnce sync.Once

	errNotInitialized = errors.New("snowflake generator is not initialized")
)

// Init 进程内只生效一次，server/worker/scheduler 需配置不同的机器号
func Init(machineID, dataCenterID int64) error {
	var initErr error

	initOnce.Do(func() {
		if machineID < 0 || machineID > maxNodePart || dataCenterID < 0 || dataCenterID > maxNodePart {
			initErr = fmt.Errorf("invalid snowflake node: machine %d, datacenter %d, both must be within 0-%d", machineID, dataCenterID, maxNodePart)
			return
		}

		n, err := snowflake.NewNode(dataCenterID<<machineBits | machineID)
		if err != nil {
			initErr = fmt.Errorf("failed to create snowflake node: %w", err)
			return
		}
		node = n
	})

	return initErr
}

// NextID 转发记录主键
func NextID() (int64, error) {
	if node == nil {
		return 0, errNotInitialized
	}
	return node.Generate().Int64(), nil
}
