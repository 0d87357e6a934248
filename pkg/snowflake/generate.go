package snowflake

import (
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/bwmarrin/snowflake"
)

var (
	mu     sync.Mutex
	node   *snowflake.Node
	nodeID int64

	errInvalidMachineID    = errors.New("invalid snowflake machine id")
	errInvalidDataCenterID = errors.New("invalid snowflake datacenter id")
	errAlreadyInitialized  = errors.New("snowflake generator already initialized")
)

// Init 以 datacenterID、machineID 初始化节点。
// 已初始化为相同节点时直接返回；节点号不同时返回 errAlreadyInitialized。
func Init(machineID, dataCenterID int64) error {
	if machineID < 0 || machineID > 31 {
		return errInvalidMachineID
	}
	if dataCenterID < 0 || dataCenterID > 31 {
		return errInvalidDataCenterID
	}
	id := (dataCenterID << 5) | machineID // datacenterID 和 machineID 都是 0~31

	mu.Lock()
	defer mu.Unlock()

	if node != nil {
		if id == nodeID {
			return nil
		}
		return fmt.Errorf("%w: running as node %d, requested node %d", errAlreadyInitialized, nodeID, id)
	}
	return newNode(id)
}

func newNode(id int64) error {
	n, err := snowflake.NewNode(id)
	if err != nil {
		return err
	}
	node, nodeID = n, id
	return nil
}

// current 返回当前节点，未调用 Init 时使用节点 0（测试与工具命令）
func current() (*snowflake.Node, error) {
	mu.Lock()
	defer mu.Unlock()

	if node == nil {
		if err := newNode(0); err != nil {
			return nil, err
		}
	}
	return node, nil
}

// NextID 生成下一个 ID
func NextID() (int64, error) {
	n, err := current()
	if err != nil {
		return 0, err
	}
	return n.Generate().Int64(), nil
}

// NextString 以十进制字符串返回下一个 ID
func NextString() (string, error) {
	id, err := NextID()
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(id, 10), nil
}
