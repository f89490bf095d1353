package types

import "encoding/json"

// Account 本地账户记录。账户逻辑由钱包模块负责，这里按原样保存。
type Account json.RawMessage

func (a Account) MarshalJSON() ([]byte, error) {
	if len(a) == 0 {
		return []byte("null"), nil
	}
	return a, nil
}

func (a *Account) UnmarshalJSON(data []byte) error {
	*a = append((*a)[0:0], data...)
	return nil
}
