//go:build !nojsonsimd

package api

import "github.com/bytedance/sonic"

var fastJSON = sonic.ConfigDefault

func fastJSONMarshal(v interface{}) ([]byte, error) {
	return fastJSON.Marshal(v)
}

func fastJSONUnmarshal(data []byte, v interface{}) error {
	return fastJSON.Unmarshal(data, v)
}
