package op

// Frontier 是本副本的因果前沿：每个 ClientID 已应用的最高 Seq（向量时钟）。
// 不变式：一个操作只有在它的全部 depends_on 都被前沿覆盖后才可应用。
type Frontier map[ClientID]uint64

func NewFrontier() Frontier { return make(Frontier) }

func (f Frontier) Get(c ClientID) uint64 { return f[c] }

// Covers 判断操作 id 是否已反映在前沿中。
func (f Frontier) Covers(id OpID) bool { return id.Seq <= f[id.Client] }

// Advance 推进某客户端的已应用序号。只允许前进，乱序推进是调用方的 bug。
func (f Frontier) Advance(id OpID) {
	if id.Seq > f[id.Client] {
		f[id.Client] = id.Seq
	}
}

// Merge 按分量取 max（远端 gossip 合并）。
func (f Frontier) Merge(other Frontier) {
	for c, seq := range other {
		if seq > f[c] {
			f[c] = seq
		}
	}
}

func (f Frontier) Clone() Frontier {
	out := make(Frontier, len(f))
	for c, seq := range f {
		out[c] = seq
	}
	return out
}

// Dominates 判断 f 是否按分量 >= other。
func (f Frontier) Dominates(other Frontier) bool {
	for c, seq := range other {
		if f[c] < seq {
			return false
		}
	}
	return true
}

// MinFrontier 取一组前沿的按分量最小值：任何一个副本缺失的客户端记 0。
// 这是“因果稳定”的判定依据——只有所有已知副本都越过的操作才允许被回收。
func MinFrontier(fs ...Frontier) Frontier {
	out := NewFrontier()
	if len(fs) == 0 {
		return out
	}
	for c := range fs[0] {
		out[c] = fs[0][c]
	}
	for _, f := range fs[1:] {
		for c := range out {
			if f[c] < out[c] {
				out[c] = f[c]
			}
		}
		// out 中没有而 f 中有的客户端：另一侧为 0，最小值即 0，无需记录
		for c := range f {
			if _, ok := out[c]; !ok {
				out[c] = 0
			}
		}
	}
	return out
}
