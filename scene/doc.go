// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 scene 提供沙箱中场景代码可用的最小场景图，以及 GLB 导出。

# 概述

场景图由 Node 组成（Scene、Group、Mesh 三种类型），每个节点带有
位置、XYZ 欧拉旋转和缩放。Mesh 持有索引三角形 Geometry 和 PBR
Material。几何体由 Box、Sphere、Cylinder、Cone、Plane、Torus
构造器生成，细分参数被限制在 MaxSegments 以内。

# 导出

ExportGLB 使用 qmuntal/gltf 将场景序列化为 glTF 2.0 二进制资产，
相同的 (Geometry, Material) 组合只写一次网格数据，颜色在导出时
由 sRGB 转换为线性空间。不包含任何可见网格的场景返回 ErrEmptyScene。
*/
package scene
