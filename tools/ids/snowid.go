package ids

import (
	"strconv"
	"sync"
	"time"
)

// epoch 2020-01-01 UTC；41 位毫秒 | 10 位节点 | 12 位序列
var epochMS = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()

// Node 雪花 ID 生成器，每个进程一个 nodeID（0~1023）
type Node struct {
	mu       sync.Mutex
	nodeID   int64
	seq      int64
	lastTSMS int64
	now      func() time.Time
}

func NewNode(nodeID int64) *Node {
	if nodeID < 0 || nodeID > 1023 {
		nodeID = 1
	}
	return &Node{nodeID: nodeID, now: time.Now}
}

var (
	defaultNode *Node
	once        sync.Once
)

func initDefault() {
	once.Do(func() { defaultNode = NewNode(1) })
}

// Generate 用默认节点生成一个新的雪花ID
func Generate() int64 {
	initDefault()
	return defaultNode.Next()
}

func GenerateString() string {
	return strconv.FormatInt(Generate(), 10)
}

// SetNodeID 设置默认节点的 nodeID，在 main() 初始化时调用
func SetNodeID(nodeID int64) {
	initDefault()
	if nodeID < 0 || nodeID > 1023 {
		nodeID = 1
	}
	defaultNode.mu.Lock()
	defaultNode.nodeID = nodeID
	defaultNode.mu.Unlock()
}

// NextString 十进制字符串形式
func (g *Node) NextString() string { return strconv.FormatInt(g.Next(), 10) }

// Next 单调递增；时钟回拨时等待追平
func (g *Node) Next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	for {
		now := g.now().UnixMilli()
		if now < g.lastTSMS {
			time.Sleep(time.Duration(g.lastTSMS-now) * time.Millisecond)
			continue
		}
		if now == g.lastTSMS {
			g.seq = (g.seq + 1) & 0xFFF
			if g.seq == 0 {
				// 序列溢出，等到下一毫秒
				for now <= g.lastTSMS {
					now = g.now().UnixMilli()
				}
			}
		} else {
			g.seq = 0
		}
		g.lastTSMS = now

		ts := (now - epochMS) & ((1 << 41) - 1)
		return (ts << 22) | (g.nodeID << 12) | g.seq
	}
}

// Time 反解出 ID 的生成时间
func Time(id int64) time.Time {
	return time.UnixMilli((id >> 22) + epochMS).UTC()
}
